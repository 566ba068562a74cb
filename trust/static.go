package trust

import (
	"context"
)

// StaticProvider serves fixed scores from memory. Used in tests and local
// development; unknown users resolve to score zero, CategoryUnknown.
type StaticProvider struct {
	Scores     map[string]int
	Thresholds Thresholds
}

func NewStaticProvider(scores map[string]int) *StaticProvider {
	return &StaticProvider{
		Scores:     scores,
		Thresholds: DefaultThresholds(),
	}
}

func (p *StaticProvider) GetTrustScore(ctx context.Context, userID string) (*Profile, error) {
	score := p.Scores[userID]
	return &Profile{
		UserID:   userID,
		Score:    score,
		Category: p.Thresholds.Categorize(score),
	}, nil
}
