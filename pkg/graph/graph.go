package graph

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ericvolp12/atproto-push/pkg/store"
)

var tracer = otel.Tracer("graph")

// Suppressor answers "should this actor be allowed to notify this user"
// from hashed mute and block sets. Raw relationship DIDs are never stored:
// clients upload per-user salted hashes and the server recomputes candidate
// hashes at check time.
type Suppressor struct {
	logger *slog.Logger
	store  *store.Store
	secret string
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]*cachedEdges
}

type cachedEdges struct {
	mutes     map[string]struct{}
	blocks    map[string]struct{}
	expiresAt time.Time
}

func NewSuppressor(st *store.Store, secret string, logger *slog.Logger) *Suppressor {
	return &Suppressor{
		logger: logger.With("module", "suppressor"),
		store:  st,
		secret: secret,
		ttl:    time.Hour,
		cache:  map[string]*cachedEdges{},
	}
}

// HashTarget computes the per-user salted hash for a relationship target.
// The salt is the owning user's DID plus the server secret, so the same
// target DID hashes differently for every user and the secret keeps the
// hashes non-recomputable outside the server.
func (s *Suppressor) HashTarget(targetDID, userDID string) string {
	sum := sha256.Sum256([]byte(targetDID + userDID + s.secret))
	return hex.EncodeToString(sum[:])
}

// IsSuppressed reports whether a notification from actor to user must be
// dropped: the user has muted or blocked the actor, or the actor has blocked
// the user. Store errors fail open so a database hiccup does not silence
// every notification; the miss is counted instead.
func (s *Suppressor) IsSuppressed(ctx context.Context, userDID, actorDID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "IsSuppressed")
	defer span.End()

	userEdges, err := s.edges(ctx, userDID)
	if err != nil {
		suppressionCheckErrors.Inc()
		return false, err
	}
	actorHash := s.HashTarget(actorDID, userDID)
	if containsHash(userEdges.mutes, actorHash) {
		suppressedChecks.WithLabelValues("mute").Inc()
		return true, nil
	}
	if containsHash(userEdges.blocks, actorHash) {
		suppressedChecks.WithLabelValues("block").Inc()
		return true, nil
	}

	actorEdges, err := s.edges(ctx, actorDID)
	if err != nil {
		suppressionCheckErrors.Inc()
		return false, err
	}
	if containsHash(actorEdges.blocks, s.HashTarget(userDID, actorDID)) {
		suppressedChecks.WithLabelValues("blocked_by").Inc()
		return true, nil
	}

	return false, nil
}

// Invalidate drops the cached edge sets for a user, called after a client
// uploads a fresh snapshot.
func (s *Suppressor) Invalidate(userDID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userDID)
}

func (s *Suppressor) edges(ctx context.Context, userDID string) (*cachedEdges, error) {
	s.mu.RLock()
	cached, ok := s.cache[userDID]
	s.mu.RUnlock()
	if ok && cached.expiresAt.After(time.Now()) {
		edgeCacheHits.Inc()
		return cached, nil
	}

	edgeCacheMisses.Inc()

	mutes, err := s.store.RelationshipHashes(ctx, userDID, store.RelationshipMute)
	if err != nil {
		return nil, err
	}
	blocks, err := s.store.RelationshipHashes(ctx, userDID, store.RelationshipBlock)
	if err != nil {
		return nil, err
	}

	edges := &cachedEdges{
		mutes:     toSet(mutes),
		blocks:    toSet(blocks),
		expiresAt: time.Now().Add(s.ttl),
	}

	s.mu.Lock()
	s.cache[userDID] = edges
	s.mu.Unlock()

	return edges, nil
}

func toSet(hashes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

// containsHash scans the whole set with constant-time comparisons so the
// check's timing does not reveal whether or where a hash matched.
func containsHash(set map[string]struct{}, hash string) bool {
	target := []byte(hash)
	found := 0
	for h := range set {
		if subtle.ConstantTimeCompare([]byte(h), target) == 1 {
			found = 1
		}
	}
	return found == 1
}
