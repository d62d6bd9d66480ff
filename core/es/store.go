package es

import (
	"context"
	"time"
)

type (
	// AppendResult reports the outcome of a successful append.
	AppendResult struct {
		LastSeq uint64
	}

	// EventStore stores and loads envelopes per aggregate stream.
	//
	// Append is the single serialization point per aggregate id: within one
	// atomic unit it re-reads the stream's current version and fails with a
	// *ConcurrencyError unless it equals expectedVersion, then inserts the
	// events as consecutive versions expectedVersion+1..expectedVersion+N,
	// assigning each a fresh global sequence number. Exactly one of two
	// racing writers with the same expectedVersion succeeds; the other gets
	// the error and must reload and retry. Implementations also write one
	// outbox message per appended envelope in the same atomic unit, so an
	// event can never be durably stored without being queued for
	// publication, nor the reverse.
	EventStore interface {
		EventReader
		Append(ctx context.Context, aggType, aggID string, expectedVersion Version, events []Envelope) (*AppendResult, error)
		// Load returns a stream's envelopes ordered by version ascending.
		// A missing stream yields an empty slice, not an error; the
		// repository decides what absence means.
		Load(ctx context.Context, aggType, aggID string, opts ...LoadStreamOption) ([]Envelope, error)
		// AggregateVersion returns the highest persisted version, 0 if none.
		AggregateVersion(ctx context.Context, aggType, aggID string) (Version, error)
		Exists(ctx context.Context, aggType, aggID string) (bool, error)
	}

	// EventReader provides the read-only global scans used for temporal
	// queries, read-model rebuilds and cross-aggregate tracing. None of
	// these mutate state or take part in concurrency control.
	EventReader interface {
		// ReadAll returns up to limit envelopes with Seq > afterSeq,
		// ordered by Seq ascending.
		ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]Envelope, error)
		// ReadByType is ReadAll filtered to one event type.
		ReadByType(ctx context.Context, eventType string, afterSeq uint64, limit int) ([]Envelope, error)
		// ReadByTimeRange is ReadAll restricted to from <= OccurredAt <= to.
		ReadByTimeRange(ctx context.Context, from, to time.Time, afterSeq uint64, limit int) ([]Envelope, error)
		// ReadByCorrelationID returns all envelopes of one business
		// transaction, ordered by Seq ascending.
		ReadByCorrelationID(ctx context.Context, correlationID string) ([]Envelope, error)
	}
)

// LoadStreamOptions is the resolved window of a stream load. Store
// implementations translate it into their own filtering.
type LoadStreamOptions struct {
	StartVersion  Version
	MaxVersion    Version
	MaxOccurredAt time.Time
}

// LoadStreamOption narrows a stream load.
type LoadStreamOption func(*LoadStreamOptions)

// WithStartVersion starts the load mid-stream, used after a snapshot restore.
func WithStartVersion(v Version) LoadStreamOption {
	return func(o *LoadStreamOptions) { o.StartVersion = v }
}

// WithMaxVersion bounds the load at a version, inclusive.
func WithMaxVersion(v Version) LoadStreamOption {
	return func(o *LoadStreamOptions) { o.MaxVersion = v }
}

// WithMaxOccurredAt restricts the load to events with OccurredAt <= t,
// used for point-in-time queries.
func WithMaxOccurredAt(t time.Time) LoadStreamOption {
	return func(o *LoadStreamOptions) { o.MaxOccurredAt = t }
}

// NewLoadStreamOptions collapses the options into their resolved window.
func NewLoadStreamOptions(opts ...LoadStreamOption) LoadStreamOptions {
	options := LoadStreamOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Match reports whether the envelope falls inside the window.
func (o LoadStreamOptions) Match(e Envelope) bool {
	if o.StartVersion > 0 && e.Version < o.StartVersion {
		return false
	}
	if o.MaxVersion > 0 && e.Version > o.MaxVersion {
		return false
	}
	if !o.MaxOccurredAt.IsZero() && e.OccurredAt.After(o.MaxOccurredAt) {
		return false
	}
	return true
}
