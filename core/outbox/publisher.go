// Package outbox drains durably-queued outbound events to an external
// publishing mechanism. Rows are written by the event store in the same
// durability unit as the events themselves (transactional outbox); this
// package is the asynchronous half that delivers them at-least-once.
// Consumers of published events must be idempotent with respect to event id.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventfold/eventfold-go/core/es"
)

// EventPublisher is the external publish collaborator (message bus,
// in-process dispatcher). It must satisfy at-least-once semantics; the
// publisher retries on any returned error.
type EventPublisher interface {
	Publish(ctx context.Context, msg es.OutboxMessage) error
}

// PublishFunc adapts a function to EventPublisher.
type PublishFunc func(ctx context.Context, msg es.OutboxMessage) error

func (f PublishFunc) Publish(ctx context.Context, msg es.OutboxMessage) error { return f(ctx, msg) }

// Config controls the polling worker. Zero values select the defaults.
type Config struct {
	// PollEvery is the poll interval between batches.
	PollEvery time.Duration
	// BatchSize bounds how many due rows one drain pass picks up.
	BatchSize int
	// InitialBackoff is the retry delay after the first failed attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration
	// MaxAttempts is the bound after which a row is no longer scheduled.
	// Such rows stay in the outbox as visible, durable failures.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollEvery <= 0 {
		c.PollEvery = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Publisher is the polling worker. It is not request-driven: it repeatedly
// selects a bounded batch of due outbox rows ordered by creation time and
// attempts publication, marking each row processed or rescheduling it with
// capped exponential backoff. Failed rows are never deleted.
type Publisher struct {
	log     *slog.Logger
	store   es.OutboxStore
	pub     EventPublisher
	cfg     Config
	metrics Metrics

	started   atomic.Bool
	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewPublisher(log *slog.Logger, store es.OutboxStore, pub EventPublisher, cfg Config, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		log:       log.With(slog.String("component", "outbox_publisher")),
		store:     store,
		pub:       pub,
		cfg:       cfg.withDefaults(),
		metrics:   NopMetrics(),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type PublisherOption func(*Publisher)

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// Run polls until ctx is cancelled or Stop is called. Cancellation stops
// scheduling new batches; the in-flight batch finishes before Run returns.
func (p *Publisher) Run(ctx context.Context) {
	p.started.Store(true)
	p.log.Info("starting", slog.Duration("poll_every", p.cfg.PollEvery), slog.Int("batch_size", p.cfg.BatchSize))

	ticker := time.NewTicker(p.cfg.PollEvery)
	defer ticker.Stop()
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopped", slog.Any("reason", ctx.Err()))
			return
		case <-p.closeChan:
			p.log.Info("stopped")
			return
		case <-ticker.C:
			if _, err := p.DrainOnce(ctx); err != nil {
				p.log.Error("drain failed", slog.Any("error", err))
			}
		}
	}
}

// Stop requests shutdown and waits for the in-flight batch to finish.
// Stopping a publisher that never ran is a no-op.
func (p *Publisher) Stop() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		if p.started.Load() {
			<-p.done
		}
	})
}

// DrainOnce runs a single drain pass and reports how many messages were
// published. A failed publish attempt does not abort the batch: the row is
// rescheduled and the pass moves on.
func (p *Publisher) DrainOnce(ctx context.Context) (published int, err error) {
	now := time.Now()
	msgs, err := p.store.FetchDue(ctx, now, p.cfg.MaxAttempts, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due outbox messages: %w", err)
	}

	for _, msg := range msgs {
		tm := p.metrics.PublishDuration(msg.EventType)
		pubErr := p.pub.Publish(ctx, msg)
		tm.ObserveDuration()

		if pubErr != nil {
			p.metrics.Published(msg.EventType, false)
			attempts := msg.Attempts + 1
			retryAt := time.Now().Add(p.backoffFor(attempts))
			if err := p.store.MarkFailed(ctx, msg.ID, pubErr.Error(), retryAt); err != nil {
				return published, fmt.Errorf("failed to mark outbox message %d failed: %w", msg.ID, err)
			}
			log := p.log.With(
				slog.String("event_id", msg.EventID),
				slog.String("event_type", msg.EventType),
				slog.Int("attempts", attempts),
				slog.Any("error", pubErr),
			)
			if attempts >= p.cfg.MaxAttempts {
				log.Error("outbox message exhausted retries, left as durable failure")
			} else {
				log.Warn("publish failed, rescheduled", slog.Time("next_retry_at", retryAt))
			}
			continue
		}

		if err := p.store.MarkProcessed(ctx, msg.ID, time.Now()); err != nil {
			return published, fmt.Errorf("failed to mark outbox message %d processed: %w", msg.ID, err)
		}
		p.metrics.Published(msg.EventType, true)
		published++
	}

	if backlog, blErr := p.store.Backlog(ctx); blErr == nil {
		p.metrics.Backlog(backlog)
	}

	return published, nil
}

// backoffFor computes the capped exponential delay for the given attempt
// count (1-based).
func (p *Publisher) backoffFor(attempts int) time.Duration {
	d := p.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return min(d, p.cfg.MaxBackoff)
}
