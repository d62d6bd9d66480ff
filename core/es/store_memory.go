package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InMemoryStore is a simple, correct (optimistic) store for tests/dev.
// It implements both EventStore and OutboxStore; appends and their outbox
// rows happen under one mutex, mirroring the transactional guarantee of the
// durable adapters.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     uint64
	streams map[string][]Envelope
	global  []Envelope

	outbox       []OutboxMessage
	nextOutboxID int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:          slog.Default().With(slog.String("store", "memory")),
		streams:      map[string][]Envelope{},
		nextOutboxID: 1,
	}
}

func (s *InMemoryStore) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType string,
	aggID string,
	expectedVersion Version,
	events []Envelope,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = s.streamKey(aggType, aggID)
		curStream  = s.streams[sk]
		curVersion = Version(0)
	)
	if len(curStream) > 0 {
		curVersion = curStream[len(curStream)-1].Version
	}
	if curVersion != expectedVersion {
		return nil, &ConcurrencyError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expectedVersion,
			Actual:        curVersion,
		}
	}

	var lastSeq uint64
	now := time.Now()
	appended := make([]Envelope, 0, len(events))
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + Version(i+1); e.Version != want {
			return nil, fmt.Errorf("event %d: version %d, want %d", i, e.Version, want)
		}

		s.seq++
		lastSeq = s.seq
		e.Seq = lastSeq
		e.PersistedAt = now
		appended = append(appended, e)
	}

	s.streams[sk] = append(curStream, appended...)
	s.global = append(s.global, appended...)
	for _, e := range appended {
		msg := outboxMessageFromEnvelope(e)
		msg.ID = s.nextOutboxID
		msg.CreatedAt = now
		s.nextOutboxID++
		s.outbox = append(s.outbox, msg)
	}

	s.log.Debug(
		"append",
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)

	return &AppendResult{LastSeq: lastSeq}, nil
}

func (s *InMemoryStore) Load(
	_ context.Context,
	aggType, aggID string,
	opts ...LoadStreamOption,
) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loadOpts := NewLoadStreamOptions(opts...)

	out := make([]Envelope, 0)
	for _, e := range s.streams[s.streamKey(aggType, aggID)] {
		if loadOpts.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AggregateVersion(_ context.Context, aggType, aggID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[s.streamKey(aggType, aggID)]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

func (s *InMemoryStore) Exists(ctx context.Context, aggType, aggID string) (bool, error) {
	v, err := s.AggregateVersion(ctx, aggType, aggID)
	return v > 0, err
}

// === EventReader ===

func (s *InMemoryStore) ReadAll(_ context.Context, afterSeq uint64, limit int) ([]Envelope, error) {
	return s.scan(afterSeq, limit, func(Envelope) bool { return true })
}

func (s *InMemoryStore) ReadByType(_ context.Context, eventType string, afterSeq uint64, limit int) ([]Envelope, error) {
	return s.scan(afterSeq, limit, func(e Envelope) bool { return e.Type == eventType })
}

func (s *InMemoryStore) ReadByTimeRange(_ context.Context, from, to time.Time, afterSeq uint64, limit int) ([]Envelope, error) {
	return s.scan(afterSeq, limit, func(e Envelope) bool {
		return !e.OccurredAt.Before(from) && !e.OccurredAt.After(to)
	})
}

func (s *InMemoryStore) ReadByCorrelationID(_ context.Context, correlationID string) ([]Envelope, error) {
	return s.scan(0, 0, func(e Envelope) bool { return e.CorrelationID == correlationID })
}

func (s *InMemoryStore) scan(afterSeq uint64, limit int, match func(Envelope) bool) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.global {
		if e.Seq <= afterSeq || !match(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// === OutboxStore ===

func (s *InMemoryStore) FetchDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OutboxMessage, 0)
	for _, m := range s.outbox {
		if m.Processed {
			continue
		}
		if maxAttempts > 0 && m.Attempts >= maxAttempts {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Processed = true
			s.outbox[i].ProcessedAt = &at
			return nil
		}
	}
	return fmt.Errorf("outbox message %d not found", id)
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id int64, errText string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
			s.outbox[i].LastError = errText
			s.outbox[i].NextRetryAt = &nextRetryAt
			return nil
		}
	}
	return fmt.Errorf("outbox message %d not found", id)
}

func (s *InMemoryStore) Backlog(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.outbox {
		if !m.Processed {
			n++
		}
	}
	return n, nil
}

var (
	_ EventStore  = (*InMemoryStore)(nil)
	_ OutboxStore = (*InMemoryStore)(nil)
)
