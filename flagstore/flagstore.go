package flagstore

import (
	"context"
)

// FlagStore holds private risk markers per user ("identity-churn",
// "spam-warned", ...). Flags are signals consumed by the permission
// evaluator; unlike moderation actions they carry no restrictions themselves.
type FlagStore interface {
	Get(ctx context.Context, userID string) ([]string, error)
	Add(ctx context.Context, userID string, flags []string) error
	Remove(ctx context.Context, userID string, flags []string) error
}
