package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("dispatch")

// TokenStore marks tokens the provider reported as dead.
type TokenStore interface {
	MarkTokenInvalid(ctx context.Context, token string) error
}

type Config struct {
	Workers      int           // concurrent senders, default 4
	QueueSize    int           // bounded intent queue, default 1024
	RateLimit    rate.Limit    // sends per second, default 50
	Burst        int           // limiter burst, default 10
	Retries      int           // attempts after the first, default 3
	BaseDelay    time.Duration // first retry backoff, default 100ms
	DrainTimeout time.Duration // shutdown drain grace period, default 30s
}

// Dispatcher drains a bounded intent queue through a worker pool, sending
// each intent via the gateway under a shared rate limiter, a retry policy,
// and a circuit breaker. When the queue is full new intents are dropped and
// counted: shedding notifications beats stalling the firehose.
type Dispatcher struct {
	logger  *slog.Logger
	gateway Gateway
	tokens  TokenStore

	queue        chan *Intent
	workers      int
	limiter      *rate.Limiter
	executor     failsafe.Executor[any]
	breaker      circuitbreaker.CircuitBreaker[any]
	drainTimeout time.Duration

	onOutcome func(intent *Intent, result string, err error)

	// mu orders Enqueue against the shutdown close of the queue; firehose
	// handlers may still be mid-event when ctx is cancelled.
	mu     sync.Mutex
	closed bool

	wg sync.WaitGroup
}

// SetOutcomeHook registers a callback invoked after every send with its
// final result. Must be called before Run.
func (d *Dispatcher) SetOutcomeHook(fn func(intent *Intent, result string, err error)) {
	d.onOutcome = fn
}

func NewDispatcher(cfg Config, gateway Gateway, tokens TokenStore, logger *slog.Logger) *Dispatcher {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 50
	}
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	logger = logger.With("module", "dispatcher")

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(2).
		HandleIf(func(_ any, err error) bool {
			// A dead token is a definitive answer from the provider, not a
			// provider outage; it never trips the breaker.
			return err != nil && !errors.Is(err, ErrInvalidToken)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("circuit breaker state change",
				"from", breakerStateName(event.OldState),
				"to", breakerStateName(event.NewState))
			breakerTransitions.WithLabelValues(
				breakerStateName(event.OldState),
				breakerStateName(event.NewState)).Inc()
			breakerStateGauge.Set(float64(event.NewState))
		}).
		Build()

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, 5*time.Second).
		WithMaxRetries(cfg.Retries).
		HandleIf(func(_ any, err error) bool {
			// Retrying an open breaker just burns the backoff budget, and a
			// dead token will never start working.
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, circuitbreaker.ErrOpen) {
				return false
			}
			return err != nil
		}).
		OnRetry(func(event failsafe.ExecutionEvent[any]) {
			sendRetries.Inc()
		}).
		Build()

	return &Dispatcher{
		logger:       logger,
		gateway:      gateway,
		tokens:       tokens,
		queue:        make(chan *Intent, cfg.QueueSize),
		workers:      cfg.Workers,
		limiter:      rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		executor:     failsafe.With(retry, breaker),
		breaker:      breaker,
		drainTimeout: cfg.DrainTimeout,
	}
}

// Enqueue hands an intent to the worker pool without blocking. Returns false
// when the queue is full or shutting down and the intent was shed.
func (d *Dispatcher) Enqueue(intent *Intent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		intentsShed.WithLabelValues(intent.Kind).Inc()
		return false
	}
	select {
	case d.queue <- intent:
		intentsEnqueued.WithLabelValues(intent.Kind).Inc()
		queueDepth.Set(float64(len(d.queue)))
		return true
	default:
		intentsShed.WithLabelValues(intent.Kind).Inc()
		return false
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and the queue
// has drained, up to the drain grace period.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting dispatch workers", "workers", d.workers, "queue_size", cap(d.queue))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatch workers stopped")
	case <-time.After(d.drainTimeout):
		d.logger.Warn("drain grace period elapsed, abandoning queued intents",
			"remaining", len(d.queue))
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for intent := range d.queue {
		queueDepth.Set(float64(len(d.queue)))
		d.send(ctx, intent)
	}
}

func (d *Dispatcher) send(ctx context.Context, intent *Intent) {
	ctx, span := tracer.Start(ctx, "SendNotification")
	defer span.End()

	// During shutdown the drain continues without the limiter's context.
	if ctx.Err() == nil {
		if err := d.limiter.Wait(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("rate limiter wait failed", "err", err)
			return
		}
	}

	start := time.Now()
	_, err := d.executor.Get(func() (any, error) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return nil, d.gateway.Deliver(sendCtx, intent)
	})
	sendDuration.Observe(time.Since(start).Seconds())

	var result string
	switch {
	case err == nil:
		result = "sent"
		intentsSent.WithLabelValues(intent.Kind).Inc()
	case errors.Is(err, ErrInvalidToken):
		result = "invalid_token"
		sendFailures.WithLabelValues("invalid_token").Inc()
		d.invalidateToken(intent)
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "breaker_open"
		sendFailures.WithLabelValues("breaker_open").Inc()
	default:
		result = "failed"
		sendFailures.WithLabelValues("provider").Inc()
		d.logger.Error("failed to deliver notification",
			"err", err, "kind", intent.Kind, "user", intent.UserDID)
	}

	if d.onOutcome != nil {
		d.onOutcome(intent, result, err)
	}
}

func (d *Dispatcher) invalidateToken(intent *Intent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.tokens.MarkTokenInvalid(ctx, intent.Token); err != nil {
		d.logger.Error("failed to mark token invalid", "err", err, "device", intent.DeviceID)
		return
	}
	tokensInvalidated.Inc()
	d.logger.Info("marked device token invalid", "device", intent.DeviceID, "user", intent.UserDID)
}

func breakerStateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
