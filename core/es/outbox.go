package es

import (
	"context"
	"encoding/json"
	"time"
)

// OutboxMessage is a durable record of "this event still needs to be
// published". Exactly one message is created per appended event, in the same
// atomic unit as the append. Messages are never deleted on failure: a row
// that exhausted its retries stays visible as a durable failure.
type OutboxMessage struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CreatedAt     time.Time       `json:"created_at"`
	Processed     bool            `json:"processed"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// OutboxStore is the read/update side of the outbox. Enqueueing happens
// inside EventStore.Append; this interface is what the outbox publisher
// drains.
type OutboxStore interface {
	// FetchDue returns up to limit unprocessed messages whose retry time
	// has passed (or was never set) and whose attempt count is still below
	// maxAttempts, ordered by creation time.
	FetchDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]OutboxMessage, error)
	// MarkProcessed flips the processed flag and records the timestamp.
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	// MarkFailed increments the attempt counter, records the error text and
	// schedules the next retry. The row stays in the outbox.
	MarkFailed(ctx context.Context, id int64, errText string, nextRetryAt time.Time) error
	// Backlog returns the number of unprocessed messages.
	Backlog(ctx context.Context) (int64, error)
}

func outboxMessageFromEnvelope(e Envelope) OutboxMessage {
	return OutboxMessage{
		EventID:       e.ID,
		EventType:     e.Type,
		Payload:       e.Data,
		OccurredAt:    e.OccurredAt,
		CorrelationID: e.CorrelationID,
	}
}
