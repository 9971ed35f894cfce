package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/ericvolp12/atproto-push/pkg/store"
)

const previewMaxLen = 140

type memPost struct {
	text      string
	expiresAt time.Time
}

// PostResolver fetches post text for notification previews via the public
// AppView, caching in memory and in the store. Post text changes rarely, so
// a shorter TTL than identities is enough.
type PostResolver struct {
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	store   *store.Store
	ttl     time.Duration
	apiHost string

	mu  sync.RWMutex
	mem map[string]*memPost
}

func NewPostResolver(st *store.Store, apiHost string, ttl time.Duration, rateLimit int64, logger *slog.Logger) *PostResolver {
	return &PostResolver{
		logger: logger.With("module", "post_resolver"),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
		store:   st,
		ttl:     ttl,
		apiHost: apiHost,
		mem:     map[string]*memPost{},
	}
}

// ResolveText returns the preview text for a post URI, truncated for
// notification bodies. Previews are decorative: callers degrade to generic
// copy on error rather than dropping the notification.
func (r *PostResolver) ResolveText(ctx context.Context, uri string) (string, error) {
	ctx, span := tracer.Start(ctx, "ResolvePostText")
	defer span.End()

	now := time.Now()

	r.mu.RLock()
	cached, ok := r.mem[uri]
	r.mu.RUnlock()
	if ok && cached.expiresAt.After(now) {
		postCacheHits.WithLabelValues("memory").Inc()
		return cached.text, nil
	}

	if post, err := r.store.GetPost(ctx, uri); err == nil && post.ExpiresAt.After(now) {
		postCacheHits.WithLabelValues("durable").Inc()
		r.remember(uri, post.Text, post.ExpiresAt)
		return post.Text, nil
	}

	postCacheMisses.Inc()

	text, err := r.fetchPost(ctx, uri)
	if err != nil {
		// Fall back to last-known-good, memory first.
		if ok {
			r.logger.Warn("post refresh failed, serving stale", "uri", uri, "err", err)
			stalePostsServed.Inc()
			return cached.text, nil
		}
		if post, dbErr := r.store.GetPost(ctx, uri); dbErr == nil {
			r.logger.Warn("post refresh failed, serving stale", "uri", uri, "err", err)
			stalePostsServed.Inc()
			return post.Text, nil
		}
		return "", err
	}

	text = TruncatePreview(text)
	expiresAt := now.Add(r.ttl)
	r.remember(uri, text, expiresAt)
	if err := r.store.PutPost(ctx, uri, text, expiresAt); err != nil {
		r.logger.Error("failed to persist post", "uri", uri, "err", err)
	}

	return text, nil
}

func (r *PostResolver) remember(uri, text string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mem[uri] = &memPost{text: text, expiresAt: expiresAt}
}

type getPostsResponse struct {
	Posts []struct {
		Uri    string `json:"uri"`
		Record struct {
			Text string `json:"text"`
		} `json:"record"`
	} `json:"posts"`
}

func (r *PostResolver) fetchPost(ctx context.Context, uri string) (string, error) {
	start := time.Now()
	defer func() {
		postResolutionDuration.Observe(time.Since(start).Seconds())
	}()

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	u := fmt.Sprintf("%s/xrpc/app.bsky.feed.getPosts?uris=%s", r.apiHost, url.QueryEscape(uri))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "atproto-push/0.0.1")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var out getPostsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse getPosts response: %w", err)
	}
	if len(out.Posts) == 0 {
		return "", fmt.Errorf("post not found: %s", uri)
	}

	return out.Posts[0].Record.Text, nil
}

// TruncatePreview trims text to the notification preview budget on a rune
// boundary so multi-byte characters are never split.
func TruncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxLen {
		return text
	}
	return string(runes[:previewMaxLen]) + "..."
}
