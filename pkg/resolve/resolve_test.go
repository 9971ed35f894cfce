package resolve

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericvolp12/atproto-push/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), true, slog.Default())
	require.NoError(t, err)
	return st
}

func TestResolveIdentityFromNetwork(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/did:plc:alice123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "did:plc:alice123",
			"alsoKnownAs": []string{"at://alice.test"},
		})
	}))
	defer srv.Close()

	r := NewIdentityResolver(testStore(t), srv.URL, time.Hour, 100, slog.Default())

	ident, err := r.Resolve(context.Background(), "did:plc:alice123")
	require.NoError(t, err)
	assert.Equal(t, "alice.test", ident.Handle)
	assert.False(t, ident.Stale)

	// Second lookup is served from memory
	_, err = r.Resolve(context.Background(), "did:plc:alice123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load())
}

func TestResolveIdentityStaleFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "did:plc:bob456",
			"alsoKnownAs": []string{"at://bob.test"},
		})
	}))
	defer srv.Close()

	// Zero TTL: every lookup after the first is a refresh attempt
	r := NewIdentityResolver(testStore(t), srv.URL, 0, 100, slog.Default())

	ident, err := r.Resolve(context.Background(), "did:plc:bob456")
	require.NoError(t, err)
	assert.Equal(t, "bob.test", ident.Handle)

	fail.Store(true)

	ident, err = r.Resolve(context.Background(), "did:plc:bob456")
	require.NoError(t, err)
	assert.Equal(t, "bob.test", ident.Handle)
	assert.True(t, ident.Stale)
}

func TestResolveIdentityHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewIdentityResolver(testStore(t), srv.URL, time.Hour, 100, slog.Default())

	_, err := r.Resolve(context.Background(), "did:plc:nobody")
	assert.ErrorIs(t, err, ErrResolveFailed)
}

func TestHandleFromDocumentFallback(t *testing.T) {
	assert.Equal(t, "alice.test", handleFromDocument(&didDocument{
		AlsoKnownAs: []string{"https://other.example", "at://alice.test"},
	}))
	assert.Equal(t, "user_abcdefgh", handleFromDocument(&didDocument{
		ID: "did:plc:abcdefghijklmnop",
	}))
}

func TestResolvePostText(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/xrpc/app.bsky.feed.getPosts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"posts": []map[string]any{
				{
					"uri":    r.URL.Query().Get("uris"),
					"record": map[string]any{"text": "hello world"},
				},
			},
		})
	}))
	defer srv.Close()

	r := NewPostResolver(testStore(t), srv.URL, time.Hour, 100, slog.Default())

	uri := "at://did:plc:alice/app.bsky.feed.post/abc"
	text, err := r.ResolveText(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	text, err = r.ResolveText(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, int64(1), requests.Load())
}

func TestResolvePostStaleFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"posts": []map[string]any{
				{
					"uri":    r.URL.Query().Get("uris"),
					"record": map[string]any{"text": "hello world"},
				},
			},
		})
	}))
	defer srv.Close()

	st := testStore(t)
	uri := "at://did:plc:alice/app.bsky.feed.post/abc"

	// Zero TTL: every lookup after the first is a refresh attempt
	r := NewPostResolver(st, srv.URL, 0, 100, slog.Default())
	_, err := r.ResolveText(context.Background(), uri)
	require.NoError(t, err)

	fail.Store(true)

	text, err := r.ResolveText(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	// A fresh resolver has no memory layer; the expired durable row still
	// serves as last-known-good
	fresh := NewPostResolver(st, srv.URL, 0, 100, slog.Default())
	text, err = fresh.ResolveText(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestResolvePostNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"posts": []any{}})
	}))
	defer srv.Close()

	r := NewPostResolver(testStore(t), srv.URL, time.Hour, 100, slog.Default())

	_, err := r.ResolveText(context.Background(), "at://did:plc:x/app.bsky.feed.post/gone")
	assert.Error(t, err)
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "short", TruncatePreview("short"))

	long := strings.Repeat("a", 200)
	got := TruncatePreview(long)
	assert.Equal(t, strings.Repeat("a", 140)+"...", got)

	// Multi-byte runes are never split
	emoji := strings.Repeat("é", 150)
	got = TruncatePreview(emoji)
	assert.Equal(t, strings.Repeat("é", 140)+"...", got)
}
