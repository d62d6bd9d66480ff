package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an event with metadata for persistence and routing.
// It is the unit of storage in the EventStore and contains all information
// needed to reconstruct and route events during replay or consumption.
// Envelopes read back from the store are immutable facts.
type Envelope struct {
	// ID is the unique identifier of this event envelope.
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store.
	// This provides total ordering across all events in the store.
	Seq uint64 `json:"seq"`
	// Version is the per-aggregate stream version (1, 2, 3, ...).
	// Used for optimistic concurrency control.
	Version Version `json:"version"`
	// AggregateType identifies the type of aggregate this event belongs to.
	AggregateType string `json:"aggregate"`
	// AggregateID identifies the specific aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// Type is the event type name for deserialization routing.
	Type string `json:"type"`
	// SchemaVersion is the schema version of the event payload.
	SchemaVersion int `json:"schema_version"`
	// OccurredAt is when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
	// PersistedAt is when the store accepted the event. Assigned by the store.
	PersistedAt time.Time `json:"persisted_at,omitzero"`
	// UserID is the originating user. Empty for system events.
	UserID string `json:"user_id,omitempty"`
	// CorrelationID ties together all events of one business transaction.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID names the event or command that produced this one.
	CausationID string `json:"causation_id,omitempty"`
	// Metadata carries free-form key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Data contains the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	return nil
}

type Decoder interface{ Decode(e Envelope) (any, error) }
