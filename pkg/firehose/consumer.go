package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/parallel"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/ericvolp12/atproto-push/pkg/store"
)

var tracer = otel.Tracer("firehose")

// Consumer maintains the long-lived subscription to the relay, resuming from
// the persisted cursor after every reconnect. Exactly one Consumer runs per
// process so cursor semantics stay simple.
type Consumer struct {
	logger    *slog.Logger
	socketURL *url.URL
	store     *store.Store
	handler   Handler

	maxReconnects int
	parallelism   int

	lastSeq int64
	seqLk   sync.RWMutex
}

type Config struct {
	SocketURL     string
	MaxReconnects int // consecutive failed connects before giving up
	Parallelism   int // scheduler worker count
}

func NewConsumer(cfg Config, st *store.Store, handler Handler, logger *slog.Logger) (*Consumer, error) {
	u, err := url.Parse(cfg.SocketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 100
	}

	return &Consumer{
		logger:        logger.With("source", "firehose"),
		socketURL:     u,
		store:         st,
		handler:       handler,
		maxReconnects: cfg.MaxReconnects,
		parallelism:   cfg.Parallelism,
	}, nil
}

// SetSeq records the latest seq handed off for processing. Persisted by the
// cursor routine, not synchronously, so replay after a crash is possible and
// accepted.
func (c *Consumer) SetSeq(seq int64) {
	c.seqLk.Lock()
	defer c.seqLk.Unlock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	lastSeqGauge.Set(float64(seq))
}

func (c *Consumer) GetSeq() int64 {
	c.seqLk.RLock()
	defer c.seqLk.RUnlock()
	return c.lastSeq
}

// Run connects to the relay and processes frames until ctx is cancelled or
// reconnection attempts are exhausted. A persistent failure returns an error
// rather than retrying forever; a crash-and-restart with full backoff beats
// a tight reconnect loop.
func (c *Consumer) Run(ctx context.Context) error {
	seq, err := c.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	c.SetSeq(seq)
	c.logger.Info("resuming from cursor", "seq", seq)

	stop := make(chan struct{})
	done := make(chan struct{})
	go c.persistCursor(ctx, stop, done)
	defer func() {
		close(stop)
		<-done
		c.flushCursor()
	}()

	backoff := time.Second
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connectedAt := c.GetSeq()
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// Progress since the last connect means the relay was healthy;
		// start the backoff schedule over.
		if c.GetSeq() > connectedAt {
			backoff = time.Second
			attempts = 0
		}

		attempts++
		if attempts >= c.maxReconnects {
			return fmt.Errorf("giving up after %d consecutive reconnect attempts: %w", attempts, err)
		}

		reconnectsCounter.Inc()
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		c.logger.Warn("stream interrupted, reconnecting",
			"err", err, "attempt", attempts, "backoff", sleep)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// consumeOnce dials the relay and pumps frames until the connection drops.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	socketURL := *c.socketURL
	if seq := c.GetSeq(); seq != 0 {
		q := socketURL.Query()
		q.Set("cursor", fmt.Sprintf("%d", seq))
		socketURL.RawQuery = q.Encode()
	}

	c.logger.Info("connecting to relay", "url", socketURL.String())

	d := websocket.DefaultDialer
	con, _, err := d.Dial(socketURL.String(), http.Header{
		"User-Agent": []string{"atproto-push/0.0.1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	rsc := events.RepoStreamCallbacks{
		RepoCommit:    c.RepoCommit,
		RepoHandle:    c.RepoHandle,
		RepoIdentity:  c.RepoIdentity,
		RepoInfo:      c.RepoInfo,
		RepoMigrate:   c.RepoMigrate,
		RepoTombstone: c.RepoTombstone,
		LabelLabels:   c.LabelLabels,
		LabelInfo:     c.LabelInfo,
		Error:         c.Error,
	}

	scheduler := parallel.NewScheduler(c.parallelism, 100, con.RemoteAddr().String(), rsc.EventHandler)

	if err := events.HandleRepoStream(ctx, con, scheduler); err != nil {
		return fmt.Errorf("repo stream failed: %w", err)
	}
	return nil
}

// persistCursor writes the in-memory seq to the store every few seconds.
// The cursor tracks "handed off for processing", not "delivered".
func (c *Consumer) persistCursor(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var persisted int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			seq := c.GetSeq()
			if seq == persisted {
				continue
			}
			if err := c.store.SaveCursor(context.Background(), seq); err != nil {
				c.logger.Error("failed to save cursor", "err", err)
				continue
			}
			persisted = seq
		}
	}
}

// flushCursor does the final durable write at shutdown.
func (c *Consumer) flushCursor() {
	seq := c.GetSeq()
	c.logger.Info("flushing cursor", "seq", seq)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveCursor(ctx, seq); err != nil {
		c.logger.Error("failed to flush cursor", "err", err)
		return
	}
	c.logger.Info("cursor flushed")
}
