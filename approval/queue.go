// Pending-operation approval workflow.
//
// Delete/edit requests that the evaluator parks as allow-pending are queued
// here for moderator review. Operation status transitions are serialized per
// operation id; terminal states are immutable and double reviews are
// absorbed as no-ops rather than surfaced as corrupting failures.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/models"
)

const (
	TypeDelete = "delete"
	TypeEdit   = "edit"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"

	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

var (
	ErrNotFound        = errors.New("operation not found")
	ErrAlreadyResolved = errors.New("operation already resolved")
	ErrExpired         = errors.New("operation expired")
	ErrSelfReview      = errors.New("requestor cannot review their own operation")
	ErrDuplicateReview = errors.New("moderator already reviewed this operation")
)

// Executor applies an approved operation against the target object (message
// pipeline, file service). Called exactly once per approved operation.
type Executor interface {
	Execute(ctx context.Context, op *models.PendingOperation) error
}

type ExecutorFunc func(ctx context.Context, op *models.PendingOperation) error

func (f ExecutorFunc) Execute(ctx context.Context, op *models.PendingOperation) error {
	return f(ctx, op)
}

type Target struct {
	ObjectID string
	OwnerID  string
}

type Config struct {
	// how long an operation waits for review before expiring
	TTL time.Duration
	// approvals required to execute; policy parameter, not per-sensitivity
	ApprovalThreshold int
}

func DefaultConfig() Config {
	return Config{
		TTL:               4 * time.Hour,
		ApprovalThreshold: 1,
	}
}

type Queue struct {
	// clock override for tests
	Now func() time.Time

	db     *gorm.DB
	audit  *audit.Log
	exec   Executor
	logger *slog.Logger
	cfg    Config
	locks  *xsync.MapOf[string, *sync.Mutex]
}

func NewQueue(db *gorm.DB, auditLog *audit.Log, exec Executor, logger *slog.Logger, cfg Config) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		Now:    time.Now,
		db:     db,
		audit:  auditLog,
		exec:   exec,
		logger: logger.With("system", "approval"),
		cfg:    cfg,
		locks:  xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (q *Queue) opLock(opID string) func() {
	mu, _ := q.locks.LoadOrStore(opID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Request parks a delete/edit operation for moderator review.
func (q *Queue) Request(ctx context.Context, opType string, target Target, requestorID, reason string) (*models.PendingOperation, error) {
	if opType != TypeDelete && opType != TypeEdit {
		return nil, fmt.Errorf("unsupported operation type: %s", opType)
	}
	now := q.Now().UTC()
	op := models.PendingOperation{
		ID:             uuid.NewString(),
		Type:           opType,
		TargetObjectID: target.ObjectID,
		TargetOwnerID:  target.OwnerID,
		RequestorID:    requestorID,
		Reason:         reason,
		Status:         StatusPending,
		RequestedAt:    now,
		ExpiresAt:      now.Add(q.cfg.TTL),
	}
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&op).Error; err != nil {
			return err
		}
		_, err := q.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeOperationRequest,
			ActorID:   requestorID,
			TargetRef: "op/" + op.ID,
			Outcome:   StatusPending,
			Reason:    reason,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queueing operation: %w", err)
	}
	q.logger.Info("operation queued", "opID", op.ID, "type", opType, "requestorID", requestorID)
	return &op, nil
}

func (q *Queue) Get(ctx context.Context, opID string) (*models.PendingOperation, error) {
	var op models.PendingOperation
	err := q.db.WithContext(ctx).First(&op, "id = ?", opID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

// Review records a moderator decision. The moderator must not be the
// requestor; evaluator-level trust gating happens in the engine before this
// is called. Reaching the approval threshold executes the operation exactly
// once. A review arriving after expiry returns ErrExpired and never
// executes; a review of an already-resolved operation returns
// ErrAlreadyResolved alongside the terminal operation.
func (q *Queue) Review(ctx context.Context, opID, moderatorID, decision, reason string) (*models.PendingOperation, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("unsupported review decision: %s", decision)
	}
	defer q.opLock(opID)()

	now := q.Now().UTC()
	var op models.PendingOperation
	executed := false
	overdue := false

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&op, "id = ?", opID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch op.Status {
		case StatusExpired:
			return ErrExpired
		case StatusApproved, StatusRejected:
			return ErrAlreadyResolved
		}
		if now.After(op.ExpiresAt) {
			// lazily expire below, in a transaction of its own; returning an
			// error from this callback would roll the expiry back
			overdue = true
			return nil
		}
		if moderatorID == op.RequestorID {
			return ErrSelfReview
		}
		var dupes int64
		if err := tx.Model(&models.OperationReview{}).
			Where("operation_id = ? AND moderator_id = ?", opID, moderatorID).
			Count(&dupes).Error; err != nil {
			return err
		}
		if dupes > 0 {
			return ErrDuplicateReview
		}

		review := models.OperationReview{
			OperationID: opID,
			ModeratorID: moderatorID,
			Decision:    decision,
			Reason:      reason,
			CreatedAt:   now,
		}
		if err := tx.Create(&review).Error; err != nil {
			return err
		}
		if _, err := q.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeOperationReview,
			ActorID:   moderatorID,
			TargetRef: "op/" + opID,
			Outcome:   decision,
			Reason:    reason,
		}); err != nil {
			return err
		}

		if decision == DecisionReject {
			return q.resolveTx(tx, &op, StatusRejected, now)
		}

		var approvals int64
		if err := tx.Model(&models.OperationReview{}).
			Where("operation_id = ? AND decision = ?", opID, DecisionApprove).
			Count(&approvals).Error; err != nil {
			return err
		}
		if int(approvals) >= q.cfg.ApprovalThreshold {
			if err := q.resolveTx(tx, &op, StatusApproved, now); err != nil {
				return err
			}
			executed = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrExpired) || errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrDuplicateReview) {
			return &op, err
		}
		return nil, err
	}

	if overdue {
		// the sweeper may simply not have run yet
		err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return q.expireTx(tx, &op, now)
		})
		if err != nil {
			return nil, fmt.Errorf("expiring overdue operation: %w", err)
		}
		return &op, ErrExpired
	}

	if executed {
		if err := q.executeApproved(ctx, &op, moderatorID); err != nil {
			return &op, err
		}
	}
	q.logger.Info("operation reviewed", "opID", opID, "moderatorID", moderatorID, "decision", decision, "status", op.Status)
	return &op, nil
}

func (q *Queue) resolveTx(tx *gorm.DB, op *models.PendingOperation, status string, now time.Time) error {
	op.Status = status
	op.ResolvedAt = &now
	return tx.Model(&models.PendingOperation{}).Where("id = ?", op.ID).
		Updates(map[string]any{"status": status, "resolved_at": now}).Error
}

func (q *Queue) expireTx(tx *gorm.DB, op *models.PendingOperation, now time.Time) error {
	if err := q.resolveTx(tx, op, StatusExpired, now); err != nil {
		return err
	}
	_, err := q.audit.AppendTx(tx, audit.Entry{
		Type:      audit.TypeOperationExpiry,
		ActorID:   "system",
		TargetRef: "op/" + op.ID,
		Outcome:   StatusExpired,
		Reason:    "review window elapsed",
	})
	return err
}

// runs after the approving transaction commits; the operation is approved
// either way, execution failure is audited and surfaced
func (q *Queue) executeApproved(ctx context.Context, op *models.PendingOperation, moderatorID string) error {
	execErr := q.exec.Execute(ctx, op)
	outcome := "executed"
	reason := fmt.Sprintf("%s of %s approved by %s", op.Type, op.TargetObjectID, moderatorID)
	if execErr != nil {
		outcome = "execution-failed"
		reason = execErr.Error()
	}
	if _, err := q.audit.Append(ctx, audit.Entry{
		Type:      audit.TypeExecution,
		ActorID:   moderatorID,
		TargetRef: "op/" + op.ID,
		Outcome:   outcome,
		Reason:    reason,
	}); err != nil {
		q.logger.Error("auditing execution failed", "err", err, "opID", op.ID)
	}
	if execErr != nil {
		q.logger.Error("executing approved operation failed", "err", execErr, "opID", op.ID)
		return fmt.Errorf("executing approved operation: %w", execErr)
	}
	return nil
}
