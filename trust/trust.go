// Read-only view of externally computed trust scores.
//
// The engine never computes trust itself: a Provider is an opaque upstream
// (reputation service, endorsement graph, etc). Scores may be cached briefly
// per evaluation but the cache is never the system of record.
package trust

import (
	"context"
)

type Category int

const (
	CategoryUnknown Category = iota
	CategoryLow
	CategoryMedium
	CategoryHigh
)

func (c Category) String() string {
	switch c {
	case CategoryHigh:
		return "high"
	case CategoryMedium:
		return "medium"
	case CategoryLow:
		return "low"
	default:
		return "unknown"
	}
}

// Profile is the provider's view of a single user. Score is 0-100.
type Profile struct {
	UserID   string   `json:"userID"`
	Score    int      `json:"score"`
	Category Category `json:"category"`
}

type Provider interface {
	GetTrustScore(ctx context.Context, userID string) (*Profile, error)
}

// Score cutoffs for each category tier.
type Thresholds struct {
	High   int
	Medium int
	Low    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		High:   70,
		Medium: 40,
		Low:    15,
	}
}

func (t Thresholds) Categorize(score int) Category {
	switch {
	case score >= t.High:
		return CategoryHigh
	case score >= t.Medium:
		return CategoryMedium
	case score >= t.Low:
		return CategoryLow
	default:
		return CategoryUnknown
	}
}
