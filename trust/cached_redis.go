package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// RedisCachedProvider is the shared-cache variant of CachedProvider, for
// deployments where several engine processes should reuse trust lookups. The
// TinyLFU local tier keeps hot profiles off the network entirely.
type RedisCachedProvider struct {
	Upstream Provider
	TTL      time.Duration

	data *cache.Cache
}

func NewRedisCachedProvider(upstream Provider, redisURL string, ttl time.Duration) (*RedisCachedProvider, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, err
	}
	return &RedisCachedProvider{
		Upstream: upstream,
		TTL:      ttl,
		data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(10_000, ttl),
		}),
	}, nil
}

func trustCacheKey(userID string) string {
	return "trust/" + userID
}

func (p *RedisCachedProvider) GetTrustScore(ctx context.Context, userID string) (*Profile, error) {
	var profile Profile
	err := p.data.Get(ctx, trustCacheKey(userID), &profile)
	if err == nil {
		return &profile, nil
	}
	if err != cache.ErrCacheMiss {
		return nil, err
	}
	fresh, err := p.Upstream.GetTrustScore(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching trust profile: %w", err)
	}
	if err := p.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   trustCacheKey(userID),
		Value: fresh,
		TTL:   p.TTL,
	}); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (p *RedisCachedProvider) Purge(ctx context.Context, userID string) error {
	err := p.data.Delete(ctx, trustCacheKey(userID))
	if err == cache.ErrCacheMiss {
		return nil
	}
	return err
}
