package approval

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/haven-chat/warden/models"
)

// SweepExpired transitions overdue pending operations to expired without
// consuming a moderator action. Runs from the daemon's periodic scheduler
// even if no caller ever polls the operation again; acquires the same
// per-operation locks as Review, so it never races a concurrent decision.
func (q *Queue) SweepExpired(ctx context.Context) error {
	now := q.Now().UTC()

	var overdue []models.PendingOperation
	err := q.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", StatusPending, now).
		Find(&overdue).Error
	if err != nil {
		return err
	}

	for i := range overdue {
		if err := q.expireOne(ctx, overdue[i].ID); err != nil {
			q.logger.Error("expiring operation failed", "err", err, "opID", overdue[i].ID)
		}
	}
	return nil
}

func (q *Queue) expireOne(ctx context.Context, opID string) error {
	defer q.opLock(opID)()
	now := q.Now().UTC()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.PendingOperation
		if err := tx.First(&op, "id = ?", opID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		// re-check under the lock: a review may have resolved it meanwhile
		if op.Status != StatusPending || op.ExpiresAt.After(now) {
			return nil
		}
		if err := q.expireTx(tx, &op, now); err != nil {
			return err
		}
		q.logger.Info("operation expired", "opID", op.ID, "type", op.Type)
		return nil
	})
}
