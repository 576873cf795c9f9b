// Package audit delivers audit events to their sinks without blocking the
// request path.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/ulid"
)

const (
	DefaultQueueSize    = 4096
	DefaultRetryBackoff = 100 * time.Millisecond

	writeTimeout = 5 * time.Second
)

// Recorder accepts audit events. Implementations must not block.
type Recorder interface {
	Emit(ev *models.AuditEvent)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Emit(*models.AuditEvent) {}

// Emitter queues events in a bounded channel and writes them to every sink
// from a single worker. When the queue is full new events are dropped and
// counted.
type Emitter struct {
	queue   chan *models.AuditEvent
	sinks   []Sink
	logger  *slog.Logger
	retries uint64
	backoff time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan *models.AuditEvent, n)
		}
	}
}

// WithRetry sets how often a failed sink write is retried and the base of
// the exponential backoff between attempts.
func WithRetry(retries uint64, backoff time.Duration) Option {
	return func(e *Emitter) {
		e.retries = retries
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		e.now = now
	}
}

// NewEmitter creates an Emitter and starts its worker.
func NewEmitter(sinks []Sink, opts ...Option) *Emitter {
	e := &Emitter{
		queue:   make(chan *models.AuditEvent, DefaultQueueSize),
		sinks:   sinks,
		logger:  slog.Default(),
		backoff: DefaultRetryBackoff,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	go e.run()
	return e
}

// Emit stamps ev with an id and timestamp when missing and queues it.
func (e *Emitter) Emit(ev *models.AuditEvent) {
	if ev == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = ulid.At(ev.Timestamp)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.drop(ev, "emitter closed")
		return
	}

	select {
	case e.queue <- ev:
		metrics.AuditEmittedTotal.Inc()
	default:
		e.drop(ev, "queue full")
	}
}

// Dropped returns how many events were discarded.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close stops accepting events and waits until queued events are delivered
// or ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) drop(ev *models.AuditEvent, why string) {
	e.dropped.Add(1)
	metrics.AuditDroppedTotal.Inc()
	e.logger.Warn("audit event dropped",
		slog.String("reason", why),
		slog.String("event", string(ev.Event)),
		slog.String("id", ev.ID),
	)
}

func (e *Emitter) run() {
	defer close(e.done)

	for ev := range e.queue {
		for _, sink := range e.sinks {
			if err := e.write(sink, ev); err != nil {
				metrics.AuditSinkErrorsTotal.WithLabelValues(sink.Name()).Inc()
				e.logger.Error("audit sink write failed",
					slog.String("sink", sink.Name()),
					slog.String("event", string(ev.Event)),
					slog.String("id", ev.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (e *Emitter) write(sink Sink, ev *models.AuditEvent) error {
	b := retry.WithMaxRetries(e.retries, retry.NewExponential(e.backoff))

	return retry.Do(context.Background(), b, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		err := sink.Write(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}
		return retry.RetryableError(err)
	})
}

var _ Recorder = (*Emitter)(nil)
