package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), true, slog.Default())
	require.NoError(t, err)
	return st
}

func TestCursorRoundtrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	seq, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, st.SaveCursor(ctx, 42))
	seq, err = st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	// Saving again updates the same row
	require.NoError(t, st.SaveCursor(ctx, 100))
	seq, err = st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), seq)
}

func TestDeviceLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	device, err := st.UpsertDevice(ctx, "did:plc:alice", "token-1", "ios")
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)

	// New devices default to everything on
	devices, err := st.DevicesForDID(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Preference.Likes)
	assert.True(t, devices[0].Preference.Mentions)

	dids, err := st.RegisteredDIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:alice"}, dids)

	// Invalid tokens drop out of the dispatchable set
	require.NoError(t, st.MarkTokenInvalid(ctx, "token-1"))
	devices, err = st.DevicesForDID(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Empty(t, devices)

	// Re-registering revives the token
	revived, err := st.UpsertDevice(ctx, "did:plc:alice", "token-1", "ios")
	require.NoError(t, err)
	assert.Equal(t, device.ID, revived.ID)
	assert.False(t, revived.Invalid)

	devices, err = st.DevicesForDID(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestMarkTokenInvalidUnknown(t *testing.T) {
	st := testStore(t)
	err := st.MarkTokenInvalid(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPreferences(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	device, err := st.UpsertDevice(ctx, "did:plc:bob", "token-2", "ios")
	require.NoError(t, err)

	require.NoError(t, st.SetPreferences(ctx, device.ID, Preference{
		Likes:   false,
		Follows: true,
		Replies: true,
	}))

	devices, err := st.DevicesForDID(ctx, "did:plc:bob")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.False(t, devices[0].Preference.Likes)
	assert.True(t, devices[0].Preference.Follows)
	assert.False(t, devices[0].Preference.Mentions)
}

func TestAuthenticateDevice(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.UpsertDevice(ctx, "did:plc:carol", "token-3", "ios")
	require.NoError(t, err)

	device, err := st.AuthenticateDevice(ctx, "did:plc:carol", "token-3")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:carol", device.DID)

	_, err = st.AuthenticateDevice(ctx, "did:plc:carol", "wrong-token")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.AuthenticateDevice(ctx, "did:plc:mallory", "token-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceRelationships(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRelationships(ctx, "did:plc:dave",
		[]string{"hash-m1", "hash-m2"}, []string{"hash-b1"}))

	mutes, err := st.RelationshipHashes(ctx, "did:plc:dave", RelationshipMute)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hash-m1", "hash-m2"}, mutes)

	blocks, err := st.RelationshipHashes(ctx, "did:plc:dave", RelationshipBlock)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-b1"}, blocks)

	// A replace is a full swap, not a merge
	require.NoError(t, st.ReplaceRelationships(ctx, "did:plc:dave",
		[]string{"hash-m3"}, nil))

	mutes, err = st.RelationshipHashes(ctx, "did:plc:dave", RelationshipMute)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-m3"}, mutes)

	blocks, err = st.RelationshipHashes(ctx, "did:plc:dave", RelationshipBlock)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestPutIdentityUpserts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	require.NoError(t, st.PutIdentity(ctx, "did:plc:eve", "eve.test", nil, future))
	require.NoError(t, st.PutIdentity(ctx, "did:plc:eve", "eve.bsky.social", nil, future))

	ident, err := st.GetIdentity(ctx, "did:plc:eve")
	require.NoError(t, err)
	assert.Equal(t, "eve.bsky.social", ident.Handle)
}

func TestCacheExpiry(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, st.PutIdentity(ctx, "did:plc:old", "old.test", nil, past))
	require.NoError(t, st.PutIdentity(ctx, "did:plc:new", "new.test", nil, future))
	require.NoError(t, st.PutPost(ctx, "at://did:plc:old/app.bsky.feed.post/1", "stale", past))

	// Expired rows are still readable until swept
	ident, err := st.GetIdentity(ctx, "did:plc:old")
	require.NoError(t, err)
	assert.Equal(t, "old.test", ident.Handle)

	require.NoError(t, st.ExpireCaches(ctx))

	_, err = st.GetIdentity(ctx, "did:plc:old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetPost(ctx, "at://did:plc:old/app.bsky.feed.post/1")
	assert.ErrorIs(t, err, ErrNotFound)

	ident, err = st.GetIdentity(ctx, "did:plc:new")
	require.NoError(t, err)
	assert.Equal(t, "new.test", ident.Handle)
}
