// Moderation state store and escalation state machine.
//
// All mutations to a user's moderation state are serialized through a keyed
// mutex, and every transition commits its audit entry in the same database
// transaction as the state change. The expiry sweep acquires the same locks,
// so it never races a concurrent human decision.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/models"
)

const (
	KindWarn  = "warn"
	KindMute  = "mute"
	KindKick  = "kick"
	KindBlock = "block"
	KindBan   = "ban"
)

type Capability string

const (
	CapSendMessage Capability = "send-message"
	CapSendFile    Capability = "send-file"
	CapVoice       Capability = "voice"
	CapVideo       Capability = "video"
)

// Restrictions maps a capability to whether it remains available. Only
// revoked capabilities are stored.
type Restrictions map[Capability]bool

func MuteRestrictions() Restrictions {
	return Restrictions{
		CapSendMessage: false,
		CapSendFile:    false,
		CapVoice:       false,
		CapVideo:       false,
	}
}

var (
	// removing an action that isn't active
	ErrNotActive = errors.New("no active moderation action of that kind")
	// the target user has no session on record
	ErrNoSession = errors.New("no session on record for user")
)

type Config struct {
	// how long a kicked user stays out
	KickCooldown time.Duration
	// cumulative warnings that trigger the automatic kick
	AutoKickWarnings int
}

func DefaultConfig() Config {
	return Config{
		KickCooldown:     5 * time.Minute,
		AutoKickWarnings: 3,
	}
}

type Store struct {
	// clock override for tests
	Now func() time.Time

	db     *gorm.DB
	audit  *audit.Log
	logger *slog.Logger
	cfg    Config
	locks  *xsync.MapOf[string, *sync.Mutex]
}

func NewStore(db *gorm.DB, auditLog *audit.Log, logger *slog.Logger, cfg Config) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Now:    time.Now,
		db:     db,
		audit:  auditLog,
		logger: logger.With("system", "moderation"),
		cfg:    cfg,
		locks:  xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// userLock returns the per-user mutex serializing all moderation and spam
// state mutations for that user.
func (s *Store) userLock(userID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu
}

// Lock exposes the per-user mutex so the engine can serialize related
// mutations (eg spam-triggered escalation) under the same boundary.
func (s *Store) Lock(userID string) func() {
	mu := s.userLock(userID)
	mu.Lock()
	return mu.Unlock
}

// Warn increments the user's cumulative warning count. Reaching the
// auto-kick threshold escalates to a kick within the same transaction.
// Returns whether the escalation fired.
func (s *Store) Warn(ctx context.Context, userID, moderatorID, reason string) (bool, error) {
	defer s.Lock(userID)()
	return s.warnLocked(ctx, userID, moderatorID, reason)
}

// WarnLocked is Warn for callers already holding the user's lock.
func (s *Store) WarnLocked(ctx context.Context, userID, moderatorID, reason string) (bool, error) {
	return s.warnLocked(ctx, userID, moderatorID, reason)
}

func (s *Store) warnLocked(ctx context.Context, userID, moderatorID, reason string) (bool, error) {
	now := s.Now().UTC()
	autoKicked := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := latestSession(tx, userID)
		if err != nil {
			return err
		}
		sess.WarningCount++
		if err := tx.Model(&models.UserSession{}).Where("id = ?", sess.ID).
			Update("warning_count", sess.WarningCount).Error; err != nil {
			return err
		}
		// warn rows are point events, not ongoing restrictions
		row := models.ModerationAction{
			Kind:         KindWarn,
			TargetUserID: userID,
			ModeratorID:  moderatorID,
			Reason:       reason,
			AppliedAt:    now,
			Active:       false,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if _, err := s.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeModeration,
			ActorID:   moderatorID,
			TargetRef: "user/" + userID,
			Outcome:   KindWarn,
			Reason:    reason,
		}); err != nil {
			return err
		}
		if sess.WarningCount == s.cfg.AutoKickWarnings {
			autoKicked = true
			return s.kickTx(tx, sess, userID, "system", "multiple warnings", now)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("applying warn: %w", err)
	}
	s.logger.Info("user warned", "userID", userID, "moderatorID", moderatorID, "autoKicked", autoKicked)
	return autoKicked, nil
}

// Mute revokes send/voice/video capabilities until the duration elapses.
// Re-muting replaces the previous active mute.
func (s *Store) Mute(ctx context.Context, userID, moderatorID string, duration time.Duration, reason string) error {
	defer s.Lock(userID)()
	now := s.Now().UTC()
	expires := now.Add(duration)
	restr, _ := json.Marshal(MuteRestrictions())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deactivateKind(tx, userID, KindMute, moderatorID, "superseded", now); err != nil {
			return err
		}
		row := models.ModerationAction{
			Kind:         KindMute,
			TargetUserID: userID,
			ModeratorID:  moderatorID,
			Reason:       reason,
			Restrictions: string(restr),
			AppliedAt:    now,
			ExpiresAt:    &expires,
			Active:       true,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		_, err := s.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeModeration,
			ActorID:   moderatorID,
			TargetRef: "user/" + userID,
			Outcome:   KindMute,
			Reason:    reason,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("applying mute: %w", err)
	}
	s.logger.Info("user muted", "userID", userID, "moderatorID", moderatorID, "until", expires)
	return nil
}

// Kick removes the user temporarily; they may rejoin after the cooldown
// under a fresh session.
func (s *Store) Kick(ctx context.Context, userID, moderatorID, reason string) error {
	defer s.Lock(userID)()
	return s.kickLocked(ctx, userID, moderatorID, reason)
}

// KickLocked is Kick for callers already holding the user's lock.
func (s *Store) KickLocked(ctx context.Context, userID, moderatorID, reason string) error {
	return s.kickLocked(ctx, userID, moderatorID, reason)
}

func (s *Store) kickLocked(ctx context.Context, userID, moderatorID, reason string) error {
	now := s.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := latestSession(tx, userID)
		if err != nil {
			return err
		}
		return s.kickTx(tx, sess, userID, moderatorID, reason, now)
	})
	if err != nil {
		return fmt.Errorf("applying kick: %w", err)
	}
	s.logger.Info("user kicked", "userID", userID, "moderatorID", moderatorID)
	return nil
}

// caller must hold the user lock and run inside tx
func (s *Store) kickTx(tx *gorm.DB, sess *models.UserSession, userID, moderatorID, reason string, now time.Time) error {
	until := now.Add(s.cfg.KickCooldown)
	if err := tx.Model(&models.UserSession{}).Where("id = ?", sess.ID).
		Update("kicked_until", until).Error; err != nil {
		return err
	}
	row := models.ModerationAction{
		Kind:         KindKick,
		TargetUserID: userID,
		ModeratorID:  moderatorID,
		Reason:       reason,
		AppliedAt:    now,
		ExpiresAt:    &until,
		Active:       true,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	_, err := s.audit.AppendTx(tx, audit.Entry{
		Type:      audit.TypeModeration,
		ActorID:   moderatorID,
		TargetRef: "user/" + userID,
		Outcome:   KindKick,
		Reason:    reason,
	})
	return err
}

// Block is a bidirectional communication block, permanent until explicitly
// reversed.
func (s *Store) Block(ctx context.Context, userID, moderatorID, reason string) error {
	defer s.Lock(userID)()
	now := s.Now().UTC()
	restr, _ := json.Marshal(MuteRestrictions())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deactivateKind(tx, userID, KindBlock, moderatorID, "superseded", now); err != nil {
			return err
		}
		row := models.ModerationAction{
			Kind:         KindBlock,
			TargetUserID: userID,
			ModeratorID:  moderatorID,
			Reason:       reason,
			Restrictions: string(restr),
			AppliedAt:    now,
			Active:       true,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		_, err := s.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeModeration,
			ActorID:   moderatorID,
			TargetRef: "user/" + userID,
			Outcome:   KindBlock,
			Reason:    reason,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("applying block: %w", err)
	}
	s.logger.Info("user blocked", "userID", userID, "moderatorID", moderatorID)
	return nil
}

// Ban blocks entry entirely. A nil duration means permanent. Only one ban
// can be active per user: re-banning replaces the previous one.
func (s *Store) Ban(ctx context.Context, userID, moderatorID string, duration *time.Duration, reason string) error {
	defer s.Lock(userID)()
	now := s.Now().UTC()
	var expires *time.Time
	if duration != nil {
		t := now.Add(*duration)
		expires = &t
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deactivateKind(tx, userID, KindBan, moderatorID, "superseded by new ban", now); err != nil {
			return err
		}
		row := models.ModerationAction{
			Kind:         KindBan,
			TargetUserID: userID,
			ModeratorID:  moderatorID,
			Reason:       reason,
			AppliedAt:    now,
			ExpiresAt:    expires,
			Active:       true,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.UserSession{}).Where("user_id = ?", userID).
			Update("is_banned", true).Error; err != nil {
			return err
		}
		_, err := s.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeModeration,
			ActorID:   moderatorID,
			TargetRef: "user/" + userID,
			Outcome:   KindBan,
			Reason:    reason,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("applying ban: %w", err)
	}
	s.logger.Info("user banned", "userID", userID, "moderatorID", moderatorID, "permanent", expires == nil)
	return nil
}

// RemoveAction deactivates the active action of the given kind. The action
// row is kept for the record. Trust requirements on the reversing moderator
// are enforced by the permission evaluator, not here.
func (s *Store) RemoveAction(ctx context.Context, userID, kind, moderatorID, reason string) error {
	defer s.Lock(userID)()
	now := s.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ModerationAction
		err := tx.Where("target_user_id = ? AND kind = ? AND active = ?", userID, kind, true).
			Order("applied_at desc").First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotActive
			}
			return err
		}
		if err := revokeRow(tx, &row, moderatorID, reason, now); err != nil {
			return err
		}
		switch kind {
		case KindBan:
			if err := tx.Model(&models.UserSession{}).Where("user_id = ?", userID).
				Update("is_banned", false).Error; err != nil {
				return err
			}
		case KindKick:
			if err := tx.Model(&models.UserSession{}).Where("user_id = ?", userID).
				Update("kicked_until", nil).Error; err != nil {
				return err
			}
		}
		_, err = s.audit.AppendTx(tx, audit.Entry{
			Type:      audit.TypeModeration,
			ActorID:   moderatorID,
			TargetRef: "user/" + userID,
			Outcome:   "remove-" + kind,
			Reason:    reason,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			return ErrNotActive
		}
		return fmt.Errorf("removing %s: %w", kind, err)
	}
	s.logger.Info("moderation action removed", "userID", userID, "kind", kind, "moderatorID", moderatorID)
	return nil
}

// ActiveActions lists unexpired active actions for the user. Expiry is
// filtered on read; rows are deactivated by the sweeper.
func (s *Store) ActiveActions(ctx context.Context, userID string) ([]models.ModerationAction, error) {
	var out []models.ModerationAction
	now := s.Now().UTC()
	err := s.db.WithContext(ctx).
		Where("target_user_id = ? AND active = ? AND (expires_at IS NULL OR expires_at > ?)", userID, true, now).
		Order("applied_at asc").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func latestSession(tx *gorm.DB, userID string) (*models.UserSession, error) {
	var sess models.UserSession
	err := tx.Order("joined_at desc").First(&sess, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return &sess, nil
}

func deactivateKind(tx *gorm.DB, userID, kind, moderatorID, reason string, now time.Time) error {
	var rows []models.ModerationAction
	if err := tx.Where("target_user_id = ? AND kind = ? AND active = ?", userID, kind, true).Find(&rows).Error; err != nil {
		return err
	}
	for i := range rows {
		if err := revokeRow(tx, &rows[i], moderatorID, reason, now); err != nil {
			return err
		}
	}
	return nil
}

func revokeRow(tx *gorm.DB, row *models.ModerationAction, moderatorID, reason string, now time.Time) error {
	return tx.Model(&models.ModerationAction{}).Where("id = ?", row.ID).
		Updates(map[string]any{
			"active":         false,
			"revoked_at":     now,
			"revoked_by_id":  moderatorID,
			"revoked_reason": reason,
		}).Error
}
