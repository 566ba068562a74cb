package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/haven-chat/warden/countstore"
	"github.com/haven-chat/warden/flagstore"
	"github.com/haven-chat/warden/models"
)

func testRegistry(t *testing.T) (*Registry, *flagstore.MemFlagStore) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.UserSession{}, &models.NicknameChange{}))
	flags := flagstore.NewMemFlagStore()
	return NewRegistry(db, flags, countstore.NewMemCountStore(), nil, DefaultConfig()), flags
}

func TestResolveAcrossNickChanges(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg, _ := testRegistry(t)

	sess, err := reg.RegisterSession(ctx, "user1", "alice", Metadata{DeviceID: "dev1", RemoteAddr: "10.0.0.1"})
	assert.NoError(err)
	assert.NotEmpty(sess.ID)
	assert.NotEmpty(sess.DeviceHash)
	assert.NotContains(sess.DeviceHash, "10.0.0.1")

	for _, name := range []string{"alice2", "alice3", "alice4"} {
		assert.NoError(reg.TrackNickChange(ctx, sess.ID, name))
	}

	// both the oldest and the newest name resolve to the same user
	old, err := reg.Resolve(ctx, "alice")
	assert.NoError(err)
	cur, err := reg.Resolve(ctx, "alice4")
	assert.NoError(err)
	assert.Equal("user1", old.UserID)
	assert.Equal("user1", cur.UserID)
	assert.Equal(old.ID, cur.ID)
	assert.Equal(3, cur.NickChangeCount)

	// session id and user id also resolve
	byID, err := reg.Resolve(ctx, sess.ID)
	assert.NoError(err)
	assert.Equal("user1", byID.UserID)
	byUser, err := reg.Resolve(ctx, "user1")
	assert.NoError(err)
	assert.Equal(sess.ID, byUser.ID)

	_, err = reg.Resolve(ctx, "nobody")
	assert.ErrorIs(err, ErrNotFound)
}

func TestChurnFlag(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg, flags := testRegistry(t)

	sess, err := reg.RegisterSession(ctx, "user1", "n0", Metadata{})
	assert.NoError(err)

	for i := 1; i <= 4; i++ {
		assert.NoError(reg.TrackNickChange(ctx, sess.ID, "n"+string(rune('0'+i))))
	}
	v, err := flags.Get(ctx, "user1")
	assert.NoError(err)
	assert.NotContains(v, FlagIdentityChurn)

	// fifth change crosses the default threshold
	assert.NoError(reg.TrackNickChange(ctx, sess.ID, "n5"))
	v, err = flags.Get(ctx, "user1")
	assert.NoError(err)
	assert.Contains(v, FlagIdentityChurn)
}

func TestRegisterSupersedes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg, _ := testRegistry(t)

	first, err := reg.RegisterSession(ctx, "user1", "alice", Metadata{})
	assert.NoError(err)
	second, err := reg.RegisterSession(ctx, "user1", "alice", Metadata{})
	assert.NoError(err)
	assert.NotEqual(first.ID, second.ID)

	old, err := reg.Resolve(ctx, first.ID)
	assert.NoError(err)
	assert.False(old.Active)
	cur, err := reg.Resolve(ctx, second.ID)
	assert.NoError(err)
	assert.True(cur.Active)
}

func TestDeactivate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg, _ := testRegistry(t)

	sess, err := reg.RegisterSession(ctx, "user1", "alice", Metadata{})
	assert.NoError(err)
	assert.NoError(reg.Deactivate(ctx, sess.ID))

	// still resolvable after logout
	got, err := reg.Resolve(ctx, sess.ID)
	assert.NoError(err)
	assert.False(got.Active)

	assert.ErrorIs(reg.Deactivate(ctx, "missing"), ErrNotFound)
}
