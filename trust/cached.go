package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// CachedProvider wraps an upstream Provider with a short-TTL in-process cache
// and a rate limiter on upstream calls. Lookups happen before any per-user
// lock is taken, so a slow upstream never stalls state transitions.
type CachedProvider struct {
	Upstream Provider
	Limiter  *rate.Limiter

	cache *expirable.LRU[string, *Profile]
}

func NewCachedProvider(upstream Provider, capacity int, ttl time.Duration, upstreamRPS int) *CachedProvider {
	return &CachedProvider{
		Upstream: upstream,
		Limiter:  rate.NewLimiter(rate.Limit(upstreamRPS), 1),
		cache:    expirable.NewLRU[string, *Profile](capacity, nil, ttl),
	}
}

func (p *CachedProvider) GetTrustScore(ctx context.Context, userID string) (*Profile, error) {
	if profile, ok := p.cache.Get(userID); ok {
		return profile, nil
	}
	if err := p.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	profile, err := p.Upstream.GetTrustScore(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching trust profile: %w", err)
	}
	p.cache.Add(userID, profile)
	return profile, nil
}

// Purge drops any cached profile for the user, so the next evaluation sees
// fresh upstream state.
func (p *CachedProvider) Purge(userID string) {
	p.cache.Remove(userID)
}
