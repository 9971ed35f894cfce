package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/ericvolp12/atproto-push/pkg/store"
)

var tracer = otel.Tracer("resolve")

// ErrResolveFailed means no usable identity exists: no cached value and the
// network resolution failed. Callers cannot render a notification without an
// actor handle, so the event is dropped and counted.
var ErrResolveFailed = errors.New("identity resolution failed")

// Identity is a resolved DID. Stale is set when the value is past its TTL
// but a refresh failed; stale values are usable, just flagged.
type Identity struct {
	DID    string
	Handle string
	Doc    json.RawMessage
	Stale  bool
}

type didDocument struct {
	ID          string       `json:"id"`
	AlsoKnownAs []string     `json:"alsoKnownAs"`
	Service     []didService `json:"service"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

type memIdentity struct {
	handle    string
	doc       []byte
	expiresAt time.Time
}

// IdentityResolver caches DID -> handle/document lookups in memory and in
// the store so restarts do not cold-start every identity.
type IdentityResolver struct {
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	store   *store.Store
	ttl     time.Duration
	plcHost string

	mu  sync.RWMutex
	mem map[string]*memIdentity
}

func NewIdentityResolver(st *store.Store, plcHost string, ttl time.Duration, rateLimit int64, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{
		logger: logger.With("module", "identity_resolver"),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
		store:   st,
		ttl:     ttl,
		plcHost: plcHost,
		mem:     map[string]*memIdentity{},
	}
}

// Resolve returns the identity for a DID: memory layer, then durable layer,
// then network. A failed refresh falls back to the last-known-good value
// marked stale rather than failing the pipeline.
func (r *IdentityResolver) Resolve(ctx context.Context, did string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "ResolveIdentity")
	defer span.End()

	now := time.Now()

	r.mu.RLock()
	cached, ok := r.mem[did]
	r.mu.RUnlock()
	if ok && cached.expiresAt.After(now) {
		identityCacheHits.WithLabelValues("memory").Inc()
		return &Identity{DID: did, Handle: cached.handle, Doc: cached.doc}, nil
	}

	if ident, err := r.store.GetIdentity(ctx, did); err == nil && ident.ExpiresAt.After(now) {
		identityCacheHits.WithLabelValues("durable").Inc()
		r.remember(did, ident.Handle, ident.Doc, ident.ExpiresAt)
		return &Identity{DID: did, Handle: ident.Handle, Doc: ident.Doc}, nil
	}

	identityCacheMisses.Inc()

	handle, doc, err := r.resolveNetwork(ctx, did)
	if err != nil {
		// Fall back to last-known-good, memory first.
		if ok {
			r.logger.Warn("identity refresh failed, serving stale", "did", did, "err", err)
			staleIdentitiesServed.Inc()
			return &Identity{DID: did, Handle: cached.handle, Doc: cached.doc, Stale: true}, nil
		}
		if ident, dbErr := r.store.GetIdentity(ctx, did); dbErr == nil {
			r.logger.Warn("identity refresh failed, serving stale", "did", did, "err", err)
			staleIdentitiesServed.Inc()
			return &Identity{DID: did, Handle: ident.Handle, Doc: ident.Doc, Stale: true}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrResolveFailed, did, err)
	}

	expiresAt := now.Add(r.ttl)
	r.remember(did, handle, doc, expiresAt)
	if err := r.store.PutIdentity(ctx, did, handle, doc, expiresAt); err != nil {
		r.logger.Error("failed to persist identity", "did", did, "err", err)
	}

	return &Identity{DID: did, Handle: handle, Doc: doc}, nil
}

func (r *IdentityResolver) remember(did, handle string, doc []byte, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mem[did] = &memIdentity{handle: handle, doc: doc, expiresAt: expiresAt}
}

func (r *IdentityResolver) resolveNetwork(ctx context.Context, did string) (string, []byte, error) {
	start := time.Now()
	defer func() {
		identityResolutionDuration.Observe(time.Since(start).Seconds())
	}()

	var u string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		u = fmt.Sprintf("%s/%s", r.plcHost, did)
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		u = fmt.Sprintf("https://%s/.well-known/did.json", domain)
	default:
		return "", nil, fmt.Errorf("unsupported DID method: %s", did)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "atproto-push/0.0.1")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var doc didDocument
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&doc); err != nil {
		return "", nil, fmt.Errorf("failed to parse DID document: %w", err)
	}

	raw, err := json.Marshal(&doc)
	if err != nil {
		return "", nil, fmt.Errorf("failed to re-marshal DID document: %w", err)
	}

	return handleFromDocument(&doc), raw, nil
}

// handleFromDocument extracts the handle from alsoKnownAs entries like
// "at://josh.uno". Falls back to a truncated DID when none is present.
func handleFromDocument(doc *didDocument) string {
	for _, aka := range doc.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok {
			return h
		}
	}
	return fallbackHandle(doc.ID)
}

func fallbackHandle(did string) string {
	parts := strings.Split(did, ":")
	last := parts[len(parts)-1]
	if len(last) > 8 {
		last = last[:8]
	}
	return "user_" + last
}
