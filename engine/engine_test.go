package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-chat/warden/session"
)

func TestDuplicateFloodEscalation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	// pace messages so the rate sub-window never trips; this test is about
	// duplicates only
	now := time.Now()
	eng.Spam.Now = func() time.Time { return now }

	sess, err := eng.Sessions.RegisterSession(ctx, "user1", "Alice", session.Metadata{})
	require.NoError(t, err)

	for i := 1; i <= 9; i++ {
		now = now.Add(7 * time.Second)
		res, err := eng.ProcessMessage(ctx, sess.ID, "buy cheap gold")
		require.NoError(t, err)
		assert.Equal("", res.AppliedAction, "message %d", i)
	}

	// the 10th identical message draws the warn, exactly once
	now = now.Add(7 * time.Second)
	res, err := eng.ProcessMessage(ctx, sess.ID, "buy cheap gold")
	require.NoError(t, err)
	assert.True(res.IsAbusive)
	assert.Equal("warn", res.AppliedAction)

	st, err := eng.GetModerationStatus(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(1, st.ActiveWarnings)

	// 11th and 12th are abusive but draw no new action
	for i := 11; i <= 12; i++ {
		now = now.Add(7 * time.Second)
		res, err = eng.ProcessMessage(ctx, sess.ID, "buy cheap gold")
		require.NoError(t, err)
		assert.True(res.IsAbusive)
		assert.Equal("", res.AppliedAction, "message %d", i)
	}

	// the 13th escalates to a kick
	now = now.Add(7 * time.Second)
	res, err = eng.ProcessMessage(ctx, sess.ID, "buy cheap gold")
	require.NoError(t, err)
	assert.Equal("kick", res.AppliedAction)

	st, err = eng.GetModerationStatus(ctx, "user1")
	require.NoError(t, err)
	assert.False(st.CanSendMessages)

	assert.NoError(eng.Audit.Verify(ctx))
}

func TestRateAbuseWarn(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	now := time.Now()
	eng.Spam.Now = func() time.Time { return now }

	sess, err := eng.Sessions.RegisterSession(ctx, "user1", "Alice", session.Metadata{})
	require.NoError(t, err)

	// six distinct messages inside the 30s sub-window; the sixth trips rate
	// abuse
	for i := 1; i <= 5; i++ {
		res, err := eng.ProcessMessage(ctx, sess.ID, fmt.Sprintf("hello %d", i))
		require.NoError(t, err)
		assert.Equal("", res.AppliedAction)
	}
	res, err := eng.ProcessMessage(ctx, sess.ID, "hello 6")
	require.NoError(t, err)
	assert.True(res.IsAbusive)
	assert.Equal("warn", res.AppliedAction)
}

func TestThirdWarningAutoKicks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	now := time.Now()
	eng.Spam.Now = func() time.Time { return now }

	sess, err := eng.Sessions.RegisterSession(ctx, "user1", "Alice", session.Metadata{})
	require.NoError(t, err)

	flood := func(text string) string {
		applied := ""
		for i := 0; i < 10; i++ {
			now = now.Add(7 * time.Second)
			res, err := eng.ProcessMessage(ctx, sess.ID, text)
			require.NoError(t, err)
			if res.AppliedAction != "" {
				applied = res.AppliedAction
			}
		}
		return applied
	}

	assert.Equal("warn", flood("spam one"))
	assert.Equal("warn", flood("spam two"))
	// third cumulative warning escalates straight to the kick
	assert.Equal("kick", flood("spam three"))

	st, err := eng.GetModerationStatus(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(3, st.ActiveWarnings)
	assert.False(st.CanSendMessages)
}

func TestNickChurnRaisesFlag(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	sess, err := eng.Sessions.RegisterSession(ctx, "user1", "Alice", session.Metadata{})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, eng.ProcessNickChange(ctx, sess.ID, fmt.Sprintf("Alias%d", i)))
	}

	flags, err := eng.Flags.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Contains(flags, session.FlagIdentityChurn)

	// any historical name still resolves to the same user
	got, err := eng.Sessions.Resolve(ctx, "Alias2")
	require.NoError(t, err)
	assert.Equal("user1", got.UserID)
}

func TestUnknownSessionRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	_, err := eng.ProcessMessage(ctx, "no-such-session", "hello")
	assert.ErrorIs(err, session.ErrNotFound)
}
