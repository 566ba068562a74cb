// Append-only, tamper-evident audit log.
//
// Every decision point in the engine (evaluation verdicts, moderation
// transitions, operation requests and reviews, sweeper expirations) writes
// exactly one entry. State transitions append their entry in the same
// database transaction as the mutation, so a transition is never visible
// without its audit record.
package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/models"
)

// entry types, one per decision point
const (
	TypeEvaluation       = "evaluation"
	TypeModeration       = "moderation"
	TypeOperationRequest = "operation-request"
	TypeOperationReview  = "operation-review"
	TypeOperationExpiry  = "operation-expiry"
	TypeExecution        = "execution"
	TypeSession          = "session"
)

type Entry struct {
	Type      string
	ActorID   string
	TargetRef string
	Outcome   string
	Reason    string
}

type Filter struct {
	ActorID   string
	TargetRef string
	Type      string
	After     time.Time
	Before    time.Time
	Limit     int
}

type Log struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewLog(db *gorm.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		db:     db,
		logger: logger.With("system", "audit"),
	}
}

// Append writes one entry in its own transaction.
func (l *Log) Append(ctx context.Context, e Entry) (*models.AuditEntry, error) {
	var out *models.AuditEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = l.AppendTx(tx, e)
		return err
	})
	return out, err
}

// chainLockID is the advisory lock key serializing chain appends on postgres.
const chainLockID = 0x77617264

// AppendTx writes one entry inside the caller's transaction. The chain-tip
// read and the insert must not interleave across transactions: on postgres a
// transaction-scoped advisory lock (released at commit or rollback) holds
// other appenders off the tip; sqlite serializes on its single connection.
func (l *Log) AppendTx(tx *gorm.DB, e Entry) (*models.AuditEntry, error) {
	if tx.Dialector.Name() == "postgres" {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", chainLockID).Error; err != nil {
			return nil, fmt.Errorf("locking audit chain: %w", err)
		}
	}

	var prev models.AuditEntry
	prevSig := ""
	err := tx.Order("id desc").First(&prev).Error
	if err == nil {
		prevSig = prev.Signature
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("reading audit chain tip: %w", err)
	}

	row := models.AuditEntry{
		EventID:   uuid.NewString(),
		Type:      e.Type,
		ActorID:   e.ActorID,
		TargetRef: e.TargetRef,
		Outcome:   e.Outcome,
		Reason:    e.Reason,
		// microsecond precision survives a postgres round trip; nanoseconds
		// would not, and Verify re-signs what the store returns
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	row.Signature = signEntry(prevSig, &row)

	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	l.logger.Debug("audit entry appended", "type", row.Type, "actorID", row.ActorID, "outcome", row.Outcome)
	return &row, nil
}

func (l *Log) List(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	q := l.db.WithContext(ctx).Model(&models.AuditEntry{}).Order("id asc")
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.TargetRef != "" {
		q = q.Where("target_ref = ?", f.TargetRef)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if !f.After.IsZero() {
		q = q.Where("created_at >= ?", f.After)
	}
	if !f.Before.IsZero() {
		q = q.Where("created_at < ?", f.Before)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.AuditEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Verify walks the whole chain and recomputes every signature.
func (l *Log) Verify(ctx context.Context) error {
	prevSig := ""
	var batch []models.AuditEntry
	lastID := uint64(0)
	for {
		err := l.db.WithContext(ctx).Where("id > ?", lastID).Order("id asc").Limit(500).Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			row := &batch[i]
			if sig := signEntry(prevSig, row); sig != row.Signature {
				return fmt.Errorf("audit chain broken at entry %d (event %s)", row.ID, row.EventID)
			}
			prevSig = row.Signature
			lastID = row.ID
		}
	}
}

func signEntry(prevSig string, row *models.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s|%s|%s|%s|%s|%s|%d",
		prevSig, row.EventID, row.Type, row.ActorID, row.TargetRef,
		row.Outcome, row.Reason, row.CreatedAt.UTC().UnixMicro())
	return hex.EncodeToString(h.Sum(nil))
}
