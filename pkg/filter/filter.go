package filter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ericvolp12/atproto-push/pkg/dispatch"
	"github.com/ericvolp12/atproto-push/pkg/firehose"
	"github.com/ericvolp12/atproto-push/pkg/graph"
	"github.com/ericvolp12/atproto-push/pkg/resolve"
	"github.com/ericvolp12/atproto-push/pkg/store"
)

var tracer = otel.Tracer("filter")

// candidate is one potential recipient of an event. A post can relate to
// the same recipient in several ways at once (a reply that also mentions
// them); each kind is gated independently against the device's preferences
// and every allowed kind produces its own notification.
type candidate struct {
	recipient string
	kinds     []string
}

// Filter turns decoded firehose events into notification intents. It owns
// the registered-user set, suppression, preference gating, and copy
// rendering; the dispatcher only sees fully decided intents.
type Filter struct {
	logger     *slog.Logger
	store      *store.Store
	identities *resolve.IdentityResolver
	posts      *resolve.PostResolver
	suppressor *graph.Suppressor
	dispatcher *dispatch.Dispatcher

	refreshEvery time.Duration

	mu         sync.RWMutex
	registered map[string]struct{}
}

func NewFilter(
	st *store.Store,
	identities *resolve.IdentityResolver,
	posts *resolve.PostResolver,
	suppressor *graph.Suppressor,
	dispatcher *dispatch.Dispatcher,
	logger *slog.Logger,
) *Filter {
	return &Filter{
		logger:       logger.With("module", "filter"),
		store:        st,
		identities:   identities,
		posts:        posts,
		suppressor:   suppressor,
		dispatcher:   dispatcher,
		refreshEvery: 5 * time.Minute,
		registered:   map[string]struct{}{},
	}
}

// Run keeps the registered-user set fresh until ctx is cancelled. The set is
// the hot-path membership check, so it lives in memory and tolerates being
// up to one refresh interval stale.
func (f *Filter) Run(ctx context.Context) {
	if err := f.refreshRegistered(ctx); err != nil {
		f.logger.Error("failed to load registered users", "err", err)
	}

	ticker := time.NewTicker(f.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.refreshRegistered(ctx); err != nil {
				f.logger.Error("failed to refresh registered users", "err", err)
			}
		}
	}
}

func (f *Filter) refreshRegistered(ctx context.Context) error {
	dids, err := f.store.RegisteredDIDs(ctx)
	if err != nil {
		return err
	}

	set := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		set[did] = struct{}{}
	}

	f.mu.Lock()
	f.registered = set
	f.mu.Unlock()

	registeredUsersGauge.Set(float64(len(set)))
	f.logger.Debug("refreshed registered users", "count", len(set))
	return nil
}

func (f *Filter) isRegistered(did string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.registered[did]
	return ok
}

// HandleEvent classifies an event, gates it, and enqueues one intent per
// eligible device. Failures affect only the recipient they occur for.
func (f *Filter) HandleEvent(ctx context.Context, evt *firehose.Event) {
	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()

	eventsProcessed.WithLabelValues(string(evt.Kind)).Inc()

	candidates := classify(evt)
	if len(candidates) == 0 {
		return
	}

	// Resolved at most once per event, shared across recipients.
	var actorHandle string
	var actorResolved bool
	var preview string
	var previewFetched bool

	for _, cand := range candidates {
		if cand.recipient == evt.Actor {
			eventsDropped.WithLabelValues("self").Inc()
			continue
		}
		if !f.isRegistered(cand.recipient) {
			eventsDropped.WithLabelValues("unregistered").Inc()
			continue
		}

		suppressed, err := f.suppressor.IsSuppressed(ctx, cand.recipient, evt.Actor)
		if err != nil {
			// Fail open: a store hiccup should not silence notifications.
			f.logger.Error("suppression check failed", "err", err, "recipient", cand.recipient)
		}
		if suppressed {
			eventsDropped.WithLabelValues("suppressed").Inc()
			continue
		}

		devices, err := f.store.DevicesForDID(ctx, cand.recipient)
		if err != nil {
			f.logger.Error("failed to load devices", "err", err, "recipient", cand.recipient)
			eventsDropped.WithLabelValues("store_error").Inc()
			continue
		}
		if len(devices) == 0 {
			eventsDropped.WithLabelValues("no_devices").Inc()
			continue
		}

		if !actorResolved {
			ident, err := f.identities.Resolve(ctx, evt.Actor)
			if err != nil {
				// No handle means no renderable copy for anyone.
				f.logger.Warn("dropping event, actor unresolvable", "err", err, "actor", evt.Actor)
				eventsDropped.WithLabelValues("identity_failure").Inc()
				return
			}
			actorHandle = ident.Handle
			actorResolved = true
		}

		if !previewFetched {
			preview = f.preview(ctx, evt)
			previewFetched = true
		}

		for _, device := range devices {
			sent := false
			for _, kind := range cand.kinds {
				if !allowsKind(device, kind) {
					continue
				}

				title, body := renderCopy(kind, actorHandle, preview)
				f.dispatcher.Enqueue(&dispatch.Intent{
					Seq:      evt.Seq,
					UserDID:  cand.recipient,
					DeviceID: device.ID,
					Token:    device.Token,
					Platform: device.Platform,
					Kind:     kind,
					Title:    title,
					Body:     body,
				})
				intentsProduced.WithLabelValues(kind).Inc()
				sent = true
			}
			if !sent {
				eventsDropped.WithLabelValues("preference").Inc()
			}
		}
	}
}

// preview returns the notification body text for the event. For likes and
// reposts that means fetching the subject post; a fetch failure degrades to
// an empty body rather than dropping the notification.
func (f *Filter) preview(ctx context.Context, evt *firehose.Event) string {
	switch evt.Kind {
	case firehose.KindLike, firehose.KindRepost:
		text, err := f.posts.ResolveText(ctx, evt.SubjectURI)
		if err != nil {
			f.logger.Warn("failed to resolve subject post, sending without preview",
				"err", err, "uri", evt.SubjectURI)
			previewFailures.Inc()
			return ""
		}
		return text
	case firehose.KindPost:
		if evt.Post != nil {
			return resolve.TruncatePreview(evt.Post.Text)
		}
	}
	return ""
}

// classify maps an event to its candidate recipients. Post events can carry
// a quote, a reply, and mentions at once; each target is evaluated on its
// own so a mention buried in a reply to someone else still lands.
func classify(evt *firehose.Event) []candidate {
	switch evt.Kind {
	case firehose.KindLike:
		if owner := uriAuthority(evt.SubjectURI); owner != "" {
			return []candidate{{recipient: owner, kinds: []string{dispatch.KindLike}}}
		}
	case firehose.KindRepost:
		if owner := uriAuthority(evt.SubjectURI); owner != "" {
			return []candidate{{recipient: owner, kinds: []string{dispatch.KindRepost}}}
		}
	case firehose.KindFollow:
		if evt.SubjectDID != "" {
			return []candidate{{recipient: evt.SubjectDID, kinds: []string{dispatch.KindFollow}}}
		}
	case firehose.KindPost:
		if evt.Post == nil {
			return nil
		}

		kindsByRecipient := map[string][]string{}
		var order []string
		add := func(recipient, kind string) {
			if recipient == "" {
				return
			}
			kinds, seen := kindsByRecipient[recipient]
			if !seen {
				order = append(order, recipient)
			}
			// A post can mention the same user in several facets.
			for _, k := range kinds {
				if k == kind {
					return
				}
			}
			kindsByRecipient[recipient] = append(kinds, kind)
		}

		add(uriAuthority(evt.Post.QuotedURI), dispatch.KindQuote)
		add(uriAuthority(evt.Post.ReplyParent), dispatch.KindReply)
		for _, did := range evt.Post.Mentions {
			add(did, dispatch.KindMention)
		}

		candidates := make([]candidate, 0, len(order))
		for _, recipient := range order {
			candidates = append(candidates, candidate{
				recipient: recipient,
				kinds:     kindsByRecipient[recipient],
			})
		}
		return candidates
	}
	return nil
}

// allowsKind reports whether a device's preferences allow a kind.
// Registration always creates a preference row; a missing one means an
// out-of-band insert, treated as everything on.
func allowsKind(device store.Device, kind string) bool {
	return device.Preference.DeviceID == "" || device.Preference.Allows(kind)
}

// uriAuthority extracts the repo DID from an AT URI like
// "at://did:plc:abc123/app.bsky.feed.post/xyz".
func uriAuthority(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	authority, _, _ := strings.Cut(rest, "/")
	return authority
}
