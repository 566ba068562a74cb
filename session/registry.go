// Session registry: follows a user across display-name changes.
//
// Sessions map ephemeral identifiers and historical nicknames back to a
// stable user id. Nickname changes append to history rather than overwrite,
// so a user can always be resolved by any name they have used. Device and
// address metadata is stored only as a one-way hash.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/flagstore"
	"github.com/haven-chat/warden/models"
)

var ErrNotFound = errors.New("session not found")

// risk flag raised on excessive nickname churn; a signal for the evaluator,
// never a denial by itself
const FlagIdentityChurn = "identity-churn"

type Config struct {
	// nickname changes before the identity-churn flag is raised
	ChurnThreshold int
}

func DefaultConfig() Config {
	return Config{ChurnThreshold: 5}
}

type Metadata struct {
	DeviceID   string
	RemoteAddr string
}

type Registry struct {
	db       *gorm.DB
	flags    flagstore.FlagStore
	counters countstore.CountStore
	logger   *slog.Logger
	cfg      Config
}

func NewRegistry(db *gorm.DB, flags flagstore.FlagStore, counters countstore.CountStore, logger *slog.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:       db,
		flags:    flags,
		counters: counters,
		logger:   logger.With("system", "session"),
		cfg:      cfg,
	}
}

// RegisterSession opens a fresh session for the user, superseding any
// previously active one. Warning counts and ban state live on moderation
// actions and are re-derived, so a fresh session is not a clean slate.
func (r *Registry) RegisterSession(ctx context.Context, userID, displayName string, meta Metadata) (*models.UserSession, error) {
	now := time.Now().UTC()
	sess := models.UserSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		DeviceHash:  hashDevice(meta),
		Active:      true,
		JoinedAt:    now,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// supersede, never delete
		if err := tx.Model(&models.UserSession{}).
			Where("user_id = ? AND active = ?", userID, true).
			Update("active", false).Error; err != nil {
			return err
		}
		if err := tx.Create(&sess).Error; err != nil {
			return err
		}
		return tx.Create(&models.NicknameChange{
			SessionID: sess.ID,
			UserID:    userID,
			Name:      displayName,
			ChangedAt: now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	if err := r.counters.IncrementDistinct(ctx, "nick", userID, displayName); err != nil {
		r.logger.Warn("nickname counter increment failed", "err", err, "userID", userID)
	}
	r.logger.Info("session registered", "sessionID", sess.ID, "userID", userID)
	return &sess, nil
}

// TrackNickChange appends the new name to history and bumps the change
// counter. Crossing the churn threshold raises the identity-churn risk flag.
func (r *Registry) TrackNickChange(ctx context.Context, sessionID, newName string) error {
	var sess models.UserSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&sess, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		sess.DisplayName = newName
		sess.NickChangeCount++
		if err := tx.Model(&models.UserSession{}).Where("id = ?", sessionID).
			Updates(map[string]any{
				"display_name":      newName,
				"nick_change_count": sess.NickChangeCount,
			}).Error; err != nil {
			return err
		}
		return tx.Create(&models.NicknameChange{
			SessionID: sessionID,
			UserID:    sess.UserID,
			Name:      newName,
			ChangedAt: time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return err
	}

	if err := r.counters.IncrementDistinct(ctx, "nick", sess.UserID, newName); err != nil {
		r.logger.Warn("nickname counter increment failed", "err", err, "userID", sess.UserID)
	}
	if sess.NickChangeCount >= r.cfg.ChurnThreshold {
		r.logger.Info("excessive identity churn", "userID", sess.UserID, "changes", sess.NickChangeCount)
		if err := r.flags.Add(ctx, sess.UserID, []string{FlagIdentityChurn}); err != nil {
			r.logger.Warn("raising churn flag failed", "err", err, "userID", sess.UserID)
		}
	}
	return nil
}

// Resolve finds a session by session id, user id, current display name, or
// any historical display name, in that order. Returns the newest match.
func (r *Registry) Resolve(ctx context.Context, identifier string) (*models.UserSession, error) {
	db := r.db.WithContext(ctx)
	var sess models.UserSession

	err := db.First(&sess, "id = ?", identifier).Error
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = db.Order("joined_at desc").First(&sess, "user_id = ?", identifier).Error
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = db.Order("joined_at desc").First(&sess, "display_name = ?", identifier).Error
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var change models.NicknameChange
	err = db.Order("changed_at desc").First(&change, "name = ?", identifier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := db.First(&sess, "id = ?", change.SessionID).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// Deactivate marks the session inactive (explicit logout). Sessions are never
// deleted.
func (r *Registry) Deactivate(ctx context.Context, sessionID string) error {
	res := r.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ?", sessionID).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func hashDevice(meta Metadata) string {
	if meta.DeviceID == "" && meta.RemoteAddr == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(meta.DeviceID + "|" + meta.RemoteAddr))
	return hex.EncodeToString(sum[:])
}
