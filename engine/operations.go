package engine

import (
	"context"
	"fmt"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/models"
)

// RequestOperation parks a delete/edit operation for moderator review. The
// caller is expected to have received an allow-pending verdict from Evaluate
// first; the queue itself does not re-check trust.
func (eng *Engine) RequestOperation(ctx context.Context, opType string, target approval.Target, requestorID, reason string) (*models.PendingOperation, error) {
	op, err := eng.Approvals.Request(ctx, opType, target, requestorID, reason)
	if err != nil {
		return nil, err
	}
	operationsRequested.WithLabelValues(opType).Inc()
	return op, nil
}

// ReviewOperation gates a moderator decision through the evaluator before
// handing it to the approval queue: the reviewer needs moderator-level trust
// and must not be the requestor. Denied reviewers get ErrInsufficientTrust
// with the evaluator's reason, and the denial itself is audited.
func (eng *Engine) ReviewOperation(ctx context.Context, opID, moderatorID, decision, reason string) (*models.PendingOperation, error) {
	op, err := eng.Approvals.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID:      moderatorID,
		Action:       ActionReview,
		TargetUserID: op.RequestorID,
	})
	if err != nil {
		return nil, err
	}
	if dec.Verdict != VerdictAllow {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientTrust, dec.Reason)
	}

	out, err := eng.Approvals.Review(ctx, opID, moderatorID, decision, reason)
	if err != nil {
		return out, err
	}
	operationsReviewed.WithLabelValues(decision).Inc()
	return out, nil
}

// GetAuditLog reads audit entries with trust gating: high trust grants the
// full log, anyone else gets their own records only (and only when they ask
// for just that).
func (eng *Engine) GetAuditLog(ctx context.Context, requestorID string, f audit.Filter, ownDataOnly bool) ([]models.AuditEntry, error) {
	dec, err := eng.Evaluate(ctx, EvalRequest{
		ActorID:     requestorID,
		Action:      ActionAuditRead,
		OwnDataOnly: ownDataOnly,
	})
	if err != nil {
		return nil, err
	}
	if dec.Verdict != VerdictAllow {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientTrust, dec.Reason)
	}
	if dec.Scope == ScopeOwnRecords {
		f.ActorID = requestorID
	}
	return eng.Audit.List(ctx, f)
}
