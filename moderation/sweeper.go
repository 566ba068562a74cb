package moderation

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/models"
)

// SweepExpired deactivates actions whose expiry has passed and clears
// elapsed kick cooldowns. It takes the same per-user locks as the mutation
// paths, so a sweep never races a concurrent moderator decision. Runs from
// the daemon's periodic scheduler; callers never trigger it.
func (s *Store) SweepExpired(ctx context.Context) error {
	now := s.Now().UTC()

	var expired []models.ModerationAction
	err := s.db.WithContext(ctx).
		Where("active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now).
		Find(&expired).Error
	if err != nil {
		return err
	}

	byUser := make(map[string][]models.ModerationAction)
	for _, a := range expired {
		byUser[a.TargetUserID] = append(byUser[a.TargetUserID], a)
	}

	for userID, actions := range byUser {
		if err := s.expireUserActions(ctx, userID, actions, now); err != nil {
			s.logger.Error("expiring actions failed", "err", err, "userID", userID)
			continue
		}
	}

	// clear elapsed kick cooldowns on sessions (independent of action rows,
	// which may have been removed by a moderator)
	return s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("kicked_until IS NOT NULL AND kicked_until <= ?", now).
		Update("kicked_until", nil).Error
}

func (s *Store) expireUserActions(ctx context.Context, userID string, actions []models.ModerationAction, now time.Time) error {
	defer s.Lock(userID)()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range actions {
			// re-check under the lock: a moderator may have raced us
			var fresh models.ModerationAction
			if err := tx.First(&fresh, "id = ?", a.ID).Error; err != nil {
				return err
			}
			if !fresh.Active || fresh.ExpiresAt == nil || fresh.ExpiresAt.After(now) {
				continue
			}
			if err := revokeRow(tx, &fresh, "system", "expired", now); err != nil {
				return err
			}
			if fresh.Kind == KindBan {
				if err := tx.Model(&models.UserSession{}).Where("user_id = ?", userID).
					Update("is_banned", false).Error; err != nil {
					return err
				}
			}
			if _, err := s.audit.AppendTx(tx, audit.Entry{
				Type:      audit.TypeModeration,
				ActorID:   "system",
				TargetRef: "user/" + userID,
				Outcome:   fresh.Kind + "-expired",
				Reason:    "auto-expiry",
			}); err != nil {
				return err
			}
			s.logger.Info("moderation action expired", "userID", userID, "kind", fresh.Kind, "actionID", fresh.ID)
		}
		return nil
	})
}
