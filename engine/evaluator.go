package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/moderation"
	"github.com/haven-chat/warden/session"
	"github.com/haven-chat/warden/trust"
)

// Action identifies what the actor wants to do. Ownership-scoped actions
// carry a Target; moderation actions carry a TargetUserID; transfers carry an
// Amount.
type Action string

const (
	ActionSendMessage   Action = "send-message"
	ActionSendFile      Action = "send-file"
	ActionDeleteMessage Action = "delete-message"
	ActionEditMessage   Action = "edit-message"
	ActionDeleteFile    Action = "delete-file"
	ActionEditFile      Action = "edit-file"
	ActionWarn          Action = "warn"
	ActionMute          Action = "mute"
	ActionKick          Action = "kick"
	ActionBlock         Action = "block"
	ActionBan           Action = "ban"
	ActionRemoveAction  Action = "remove-action"
	ActionReview        Action = "review-operation"
	ActionTransfer      Action = "transfer"
	ActionAuditRead     Action = "audit-read"
)

type Verdict int

const (
	VerdictDeny Verdict = iota
	VerdictAllowPending
	VerdictAllow
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictAllowPending:
		return "allow-pending"
	default:
		return "deny"
	}
}

// ObjectRef describes the object an ownership-scoped action targets.
type ObjectRef struct {
	ID        string
	OwnerID   string
	Kind      string
	CreatedAt time.Time
}

type EvalRequest struct {
	ActorID string
	Action  Action
	// target object for delete/edit actions
	Target *ObjectRef
	// target user for moderation actions
	TargetUserID string
	// transfer amount, in units
	Amount int64
	// audit access: caller only wants their own records
	OwnDataOnly bool
}

// Scope narrows what an allow verdict grants. Callers branch on it rather
// than on the reason text, which is display-only.
type Scope string

const (
	ScopeFull       Scope = ""
	ScopeOwnRecords Scope = "own-records"
)

// Decision is the evaluator's verdict. Reason is mandatory on every branch;
// it is persisted to the audit log and shown to the caller.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
	Scope   Scope   `json:"scope,omitempty"`
}

var ErrInsufficientTrust = errors.New("insufficient trust")

// Evaluate decides whether the action executes immediately, requires
// moderator approval, or is denied. Pure decision: nothing is mutated here
// except the audit entry recording the verdict. Trust and moderation state
// are read before any caller takes locks based on the outcome.
func (eng *Engine) Evaluate(ctx context.Context, req EvalRequest) (*Decision, error) {
	dec, err := eng.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	evaluationVerdicts.WithLabelValues(string(req.Action), dec.Verdict.String()).Inc()
	if _, err := eng.Audit.Append(ctx, audit.Entry{
		Type:      audit.TypeEvaluation,
		ActorID:   req.ActorID,
		TargetRef: evalTargetRef(req),
		Outcome:   dec.Verdict.String(),
		Reason:    dec.Reason,
	}); err != nil {
		return nil, fmt.Errorf("auditing evaluation: %w", err)
	}
	return dec, nil
}

func evalTargetRef(req EvalRequest) string {
	if req.Target != nil {
		return req.Target.Kind + "/" + req.Target.ID
	}
	if req.TargetUserID != "" {
		return "user/" + req.TargetUserID
	}
	return string(req.Action)
}

func (eng *Engine) evaluate(ctx context.Context, req EvalRequest) (*Decision, error) {
	st, err := eng.Mods.Status(ctx, req.ActorID)
	if err != nil {
		return nil, fmt.Errorf("reading moderation status: %w", err)
	}
	if st.IsBanned {
		return &Decision{Verdict: VerdictDeny, Reason: "actor is banned"}, nil
	}
	if cap, ok := actionCapability(req.Action); ok && !st.Allows(cap) {
		return &Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("active restriction withholds %s", cap)}, nil
	}

	profile, err := eng.Trust.GetTrustScore(ctx, req.ActorID)
	if err != nil {
		return nil, fmt.Errorf("fetching trust profile: %w", err)
	}
	cat := profile.Category

	switch req.Action {
	case ActionDeleteMessage, ActionEditMessage, ActionDeleteFile, ActionEditFile:
		return eng.evaluateOwnership(ctx, req, cat)
	case ActionWarn, ActionMute, ActionKick, ActionBlock, ActionBan, ActionRemoveAction, ActionReview:
		if req.ActorID == req.TargetUserID {
			return &Decision{Verdict: VerdictDeny, Reason: "cannot moderate yourself"}, nil
		}
		if cat < trust.CategoryHigh {
			return &Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("moderation requires high trust, actor is %s", cat)}, nil
		}
		return &Decision{Verdict: VerdictAllow, Reason: "moderator-level trust"}, nil
	case ActionTransfer:
		return eng.evaluateTransfer(ctx, req, cat)
	case ActionAuditRead:
		if cat >= trust.CategoryHigh {
			return &Decision{Verdict: VerdictAllow, Reason: "full audit access granted"}, nil
		}
		if req.OwnDataOnly {
			return &Decision{Verdict: VerdictAllow, Reason: "own records only", Scope: ScopeOwnRecords}, nil
		}
		return &Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("audit access requires high trust, actor is %s", cat)}, nil
	default:
		// send-message/send-file and anything else with no trust gate: the
		// restriction check above already cleared it
		return &Decision{Verdict: VerdictAllow, Reason: "no restriction applies"}, nil
	}
}

func (eng *Engine) evaluateOwnership(ctx context.Context, req EvalRequest, cat trust.Category) (*Decision, error) {
	if req.Target == nil {
		return nil, fmt.Errorf("action %s requires a target object", req.Action)
	}
	cat, demoted, err := eng.effectiveCategory(ctx, req.ActorID, cat)
	if err != nil {
		return nil, err
	}

	owner := req.Target.OwnerID == req.ActorID
	age := time.Now().UTC().Sub(req.Target.CreatedAt)
	window := eng.Config.EditWindow
	if req.Action == ActionDeleteMessage || req.Action == ActionDeleteFile {
		window = eng.Config.DeleteWindow
	}

	if owner && age <= window {
		return &Decision{Verdict: VerdictAllow, Reason: fmt.Sprintf("owner within the %s immediate window", window)}, nil
	}
	if cat >= trust.CategoryHigh {
		return &Decision{Verdict: VerdictAllow, Reason: "high trust"}, nil
	}
	if owner {
		reason := "owner past the immediate window, queued for review"
		if demoted {
			reason += " (trust demoted for identity churn)"
		}
		return &Decision{Verdict: VerdictAllowPending, Reason: reason}, nil
	}
	// modifying someone else's content is moderation-grade
	return &Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("not the owner, and %s trust does not grant moderation-level access", cat)}, nil
}

func (eng *Engine) evaluateTransfer(ctx context.Context, req EvalRequest, cat trust.Category) (*Decision, error) {
	cat, _, err := eng.effectiveCategory(ctx, req.ActorID, cat)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Amount <= eng.Config.SmallTransferMax:
		return &Decision{Verdict: VerdictAllow, Reason: fmt.Sprintf("amount %d within the %d-unit small-transfer limit", req.Amount, eng.Config.SmallTransferMax)}, nil
	case req.Amount <= eng.Config.LargeTransferMax:
		if cat >= trust.CategoryMedium {
			return &Decision{Verdict: VerdictAllow, Reason: "medium trust covers mid-size transfer"}, nil
		}
		return &Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("amount %d exceeds the %d-unit limit for %s trust", req.Amount, eng.Config.SmallTransferMax, cat)}, nil
	default:
		if cat >= trust.CategoryHigh {
			return &Decision{Verdict: VerdictAllow, Reason: "high trust covers large transfer"}, nil
		}
		return &Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("amount %d exceeds the %d-unit limit for %s trust", req.Amount, eng.Config.LargeTransferMax, cat)}, nil
	}
}

// effectiveCategory applies the identity-churn risk signal: a flagged account
// is treated one trust tier lower for ownership and transfer decisions. The
// flag never denies anything on its own.
func (eng *Engine) effectiveCategory(ctx context.Context, userID string, cat trust.Category) (trust.Category, bool, error) {
	flags, err := eng.Flags.Get(ctx, userID)
	if err != nil {
		return cat, false, fmt.Errorf("fetching account flags: %w", err)
	}
	for _, f := range flags {
		if f == session.FlagIdentityChurn && cat > trust.CategoryUnknown {
			return cat - 1, true, nil
		}
	}
	return cat, false, nil
}

func actionCapability(a Action) (moderation.Capability, bool) {
	switch a {
	case ActionSendMessage, ActionDeleteMessage, ActionEditMessage:
		return moderation.CapSendMessage, true
	case ActionSendFile, ActionDeleteFile, ActionEditFile:
		return moderation.CapSendFile, true
	default:
		return "", false
	}
}
