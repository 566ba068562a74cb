package models

import (
	"time"
)

// ModerationAction is one applied restriction (warn/mute/kick/block/ban)
// against a user. Actions are deactivated by reversal or expiry, never
// hard-deleted.
type ModerationAction struct {
	ID           uint64 `gorm:"primaryKey"`
	Kind         string `gorm:"not null;index:idx_modaction_target_kind"`
	TargetUserID string `gorm:"not null;index:idx_modaction_target_kind"`
	ModeratorID  string `gorm:"not null"`
	Reason       string `gorm:"not null"`
	// JSON capability map, eg {"send-message":false}
	Restrictions  string
	AppliedAt     time.Time `gorm:"not null"`
	ExpiresAt     *time.Time
	Active        bool `gorm:"not null;index"`
	RevokedAt     *time.Time
	RevokedByID   *string
	RevokedReason *string
}
