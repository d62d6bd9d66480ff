package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventfold/eventfold-go/core/es"
)

func seedStore(t *testing.T, store *es.InMemoryStore, n int) {
	t.Helper()
	envs := make([]es.Envelope, 0, n)
	for i := range n {
		envs = append(envs, es.Envelope{
			ID:            fmt.Sprintf("evt-%d", i+1),
			Version:       es.Version(i + 1),
			AggregateType: "account",
			AggregateID:   "acc-1",
			Type:          "test.Opened",
			SchemaVersion: 1,
			OccurredAt:    time.Now(),
			Data:          json.RawMessage(`{}`),
		})
	}
	_, err := store.Append(context.Background(), "account", "acc-1", 0, envs)
	require.NoError(t, err)
}

type capturingPublisher struct {
	published []es.OutboxMessage
	failWith  error
}

func (p *capturingPublisher) Publish(_ context.Context, msg es.OutboxMessage) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, msg)
	return nil
}

func TestPublisher_DrainOnce(t *testing.T) {
	ctx := context.Background()
	log := slog.Default()

	t.Run("publishes every pending row once", func(t *testing.T) {
		store := es.NewInMemoryStore()
		seedStore(t, store, 3)

		sink := &capturingPublisher{}
		p := NewPublisher(log, store, sink, Config{})

		n, err := p.DrainOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Len(t, sink.published, 3)
		require.Equal(t, "evt-1", sink.published[0].EventID)
		require.Equal(t, "test.Opened", sink.published[0].EventType)

		backlog, err := store.Backlog(ctx)
		require.NoError(t, err)
		require.Zero(t, backlog)

		// drained rows are not picked up again
		n, err = p.DrainOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("failed publish reschedules with backoff", func(t *testing.T) {
		store := es.NewInMemoryStore()
		seedStore(t, store, 1)

		sink := &capturingPublisher{failWith: errors.New("broker down")}
		p := NewPublisher(log, store, sink, Config{InitialBackoff: time.Minute})

		n, err := p.DrainOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		// row stays in the backlog but is not due until the retry time
		backlog, err := store.Backlog(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, backlog)

		due, err := store.FetchDue(ctx, time.Now(), 5, 10)
		require.NoError(t, err)
		require.Empty(t, due)

		due, err = store.FetchDue(ctx, time.Now().Add(2*time.Minute), 5, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, 1, due[0].Attempts)
		require.Equal(t, "broker down", due[0].LastError)
	})

	t.Run("rows that exhausted retries are left alone", func(t *testing.T) {
		store := es.NewInMemoryStore()
		seedStore(t, store, 1)

		sink := &capturingPublisher{failWith: errors.New("broker down")}
		p := NewPublisher(log, store, sink, Config{MaxAttempts: 2, InitialBackoff: time.Nanosecond})

		for range 2 {
			time.Sleep(time.Millisecond)
			_, err := p.DrainOnce(ctx)
			require.NoError(t, err)
		}

		// attempts are exhausted, the row stays visible but is never fetched
		time.Sleep(time.Millisecond)
		sink.failWith = nil
		n, err := p.DrainOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		backlog, err := store.Backlog(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, backlog)
	})

	t.Run("recovers after transient failure", func(t *testing.T) {
		store := es.NewInMemoryStore()
		seedStore(t, store, 1)

		sink := &capturingPublisher{failWith: errors.New("timeout")}
		p := NewPublisher(log, store, sink, Config{InitialBackoff: time.Nanosecond})

		_, err := p.DrainOnce(ctx)
		require.NoError(t, err)

		sink.failWith = nil
		time.Sleep(time.Millisecond)
		n, err := p.DrainOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestPublisher_RunAndStop(t *testing.T) {
	store := es.NewInMemoryStore()
	seedStore(t, store, 2)

	sink := &capturingPublisher{}
	p := NewPublisher(slog.Default(), store, sink, Config{PollEvery: 5 * time.Millisecond})

	go p.Run(context.Background())

	require.Eventually(t, func() bool {
		backlog, err := store.Backlog(context.Background())
		return err == nil && backlog == 0
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop() // idempotent
	require.Len(t, sink.published, 2)
}

func TestPublisher_StopWithoutRun(t *testing.T) {
	p := NewPublisher(slog.Default(), es.NewInMemoryStore(), &capturingPublisher{}, Config{})

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a publisher that never ran")
	}
}

func TestBackoffFor(t *testing.T) {
	p := NewPublisher(slog.Default(), es.NewInMemoryStore(), &capturingPublisher{}, Config{
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	})

	require.Equal(t, time.Second, p.backoffFor(1))
	require.Equal(t, 2*time.Second, p.backoffFor(2))
	require.Equal(t, 4*time.Second, p.backoffFor(3))
	require.Equal(t, 8*time.Second, p.backoffFor(4))
	require.Equal(t, 10*time.Second, p.backoffFor(5))
	require.Equal(t, 10*time.Second, p.backoffFor(50))
}
