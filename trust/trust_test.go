package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	assert := assert.New(t)
	th := DefaultThresholds()

	assert.Equal(CategoryUnknown, th.Categorize(0))
	assert.Equal(CategoryUnknown, th.Categorize(14))
	assert.Equal(CategoryLow, th.Categorize(15))
	assert.Equal(CategoryLow, th.Categorize(39))
	assert.Equal(CategoryMedium, th.Categorize(40))
	assert.Equal(CategoryMedium, th.Categorize(69))
	assert.Equal(CategoryHigh, th.Categorize(70))
	assert.Equal(CategoryHigh, th.Categorize(100))
}

func TestStaticProviderUnknownUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p := NewStaticProvider(map[string]int{"alice": 85})

	profile, err := p.GetTrustScore(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(85, profile.Score)
	assert.Equal(CategoryHigh, profile.Category)

	profile, err = p.GetTrustScore(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(0, profile.Score)
	assert.Equal(CategoryUnknown, profile.Category)
}

type countingProvider struct {
	inner Provider
	calls int
	fail  bool
}

func (p *countingProvider) GetTrustScore(ctx context.Context, userID string) (*Profile, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("upstream unavailable")
	}
	return p.inner.GetTrustScore(ctx, userID)
}

func TestCachedProviderHitsUpstreamOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	upstream := &countingProvider{inner: NewStaticProvider(map[string]int{"alice": 85})}
	cached := NewCachedProvider(upstream, 100, time.Minute, 100)

	for i := 0; i < 5; i++ {
		profile, err := cached.GetTrustScore(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(CategoryHigh, profile.Category)
	}
	assert.Equal(1, upstream.calls)

	cached.Purge("alice")
	_, err := cached.GetTrustScore(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(2, upstream.calls)
}

func TestCachedProviderUpstreamError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	upstream := &countingProvider{inner: NewStaticProvider(nil), fail: true}
	cached := NewCachedProvider(upstream, 100, time.Minute, 100)

	_, err := cached.GetTrustScore(ctx, "alice")
	assert.Error(err)

	// errors are not cached
	_, err = cached.GetTrustScore(ctx, "alice")
	assert.Error(err)
	assert.Equal(2, upstream.calls)
}
