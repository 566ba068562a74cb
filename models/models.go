package models

import (
	"time"
)

// UserSession tracks a user's presence in the system across display name
// changes. Sessions are never hard-deleted: logout marks them inactive and a
// later registration for the same user supersedes them.
type UserSession struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"index;not null"`
	DisplayName     string `gorm:"index;not null"`
	DeviceHash      string
	NickChangeCount int       `gorm:"not null;default:0"`
	WarningCount    int       `gorm:"not null;default:0"`
	IsBanned        bool      `gorm:"not null;default:false"`
	KickedUntil     *time.Time
	Active          bool      `gorm:"not null;default:true;index"`
	JoinedAt        time.Time `gorm:"not null"`
	UpdatedAt       time.Time
}

// NicknameChange is one entry in a session's display name history, including
// the initial name at registration. Resolving a historical name walks these
// rows.
type NicknameChange struct {
	ID        uint64 `gorm:"primaryKey"`
	SessionID string `gorm:"index;not null"`
	UserID    string `gorm:"index;not null"`
	Name      string `gorm:"index;not null"`
	ChangedAt time.Time `gorm:"not null"`
}

// PendingOperation is a delete/edit request parked for moderator approval.
// Terminal rows (approved/rejected/expired) are retained for audit.
type PendingOperation struct {
	ID             string `gorm:"primaryKey"`
	Type           string `gorm:"not null"`
	TargetObjectID string `gorm:"not null;index"`
	TargetOwnerID  string
	RequestorID    string    `gorm:"not null;index"`
	Reason         string    `gorm:"not null"`
	Status         string    `gorm:"not null;index"`
	RequestedAt    time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
	ResolvedAt     *time.Time
}

// OperationReview records a single moderator decision on a pending operation.
type OperationReview struct {
	ID          uint64 `gorm:"primaryKey"`
	OperationID string `gorm:"index;not null"`
	ModeratorID string `gorm:"not null"`
	Decision    string `gorm:"not null"`
	Reason      string
	CreatedAt   time.Time `gorm:"not null"`
}

// AuditEntry is one append-only record of a decision point. Signature chains
// each entry to its predecessor; entries are never updated or deleted.
type AuditEntry struct {
	ID        uint64 `gorm:"primaryKey"`
	EventID   string `gorm:"type:varchar(36);uniqueIndex;not null"`
	Type      string `gorm:"not null;index"`
	ActorID   string `gorm:"index"`
	TargetRef string `gorm:"index"`
	Outcome   string `gorm:"not null"`
	Reason    string `gorm:"not null"`
	Signature string `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}
