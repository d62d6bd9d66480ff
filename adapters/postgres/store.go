package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eventfold/eventfold-go/core/es"
)

const uniqueViolation = "23505"

// Store implements es.EventStore and es.OutboxStore on PostgreSQL.
//
// Append runs a single transaction: version check, event inserts, outbox
// inserts. The check makes conflicts cheap and explicit; the unique index on
// (aggregate_type, aggregate_id, version) catches writers that raced past it
// between check and insert, so exactly one of two racing appends commits.
type Store struct {
	log  *slog.Logger
	pool *Pool
}

func NewStore(log *slog.Logger, pool *Pool) *Store {
	return &Store{
		log:  log.With(slog.String("store", "postgres")),
		pool: pool,
	}
}

var (
	_ es.EventStore  = &Store{}
	_ es.OutboxStore = &Store{}
)

func (s *Store) Append(
	ctx context.Context,
	aggType, aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if want := expectedVersion + es.Version(i+1); e.Version != want {
			return nil, fmt.Errorf("event %d: version %d, want %d", i, e.Version, want)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current es.Version
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream head: %w", err)
	}
	if current != expectedVersion {
		return nil, &es.ConcurrencyError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expectedVersion,
			Actual:        current,
		}
	}

	var lastSeq uint64
	for _, e := range events {
		metadata, err := marshalMetadata(e.Metadata)
		if err != nil {
			return nil, err
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO events (
				event_id, aggregate_type, aggregate_id, version,
				event_type, schema_version, occurred_at,
				user_id, correlation_id, causation_id, metadata, payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING seq`,
			e.ID, e.AggregateType, e.AggregateID, e.Version,
			e.Type, e.SchemaVersion, e.OccurredAt,
			e.UserID, e.CorrelationID, e.CausationID, metadata, []byte(e.Data),
		).Scan(&lastSeq)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, s.conflictAfterRace(ctx, aggType, aggID, expectedVersion)
			}
			return nil, fmt.Errorf("failed to insert event version %d: %w", e.Version, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO outbox_messages (event_id, event_type, payload, occurred_at, correlation_id)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.Type, []byte(e.Data), e.OccurredAt, e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to queue outbox message for event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, s.conflictAfterRace(ctx, aggType, aggID, expectedVersion)
		}
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	s.log.Debug(
		"append",
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(events)),
	)
	return &es.AppendResult{LastSeq: lastSeq}, nil
}

// conflictAfterRace builds the concurrency error for a writer that lost the
// race between the version check and the insert. The actual head is re-read
// outside the failed transaction.
func (s *Store) conflictAfterRace(ctx context.Context, aggType, aggID string, expected es.Version) error {
	actual, err := s.AggregateVersion(ctx, aggType, aggID)
	if err != nil {
		actual = expected // best effort, the conflict itself is what matters
	}
	return &es.ConcurrencyError{
		AggregateType: aggType,
		AggregateID:   aggID,
		Expected:      expected,
		Actual:        actual,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const envelopeColumns = `seq, event_id, aggregate_type, aggregate_id, version,
	event_type, schema_version, occurred_at, persisted_at,
	user_id, correlation_id, causation_id, metadata, payload`

func (s *Store) Load(
	ctx context.Context,
	aggType, aggID string,
	opts ...es.LoadStreamOption,
) ([]es.Envelope, error) {
	query := `SELECT ` + envelopeColumns + `
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2`
	args := []any{aggType, aggID}

	window := es.NewLoadStreamOptions(opts...)
	if v := window.StartVersion; v > 0 {
		args = append(args, v)
		query += fmt.Sprintf(" AND version >= $%d", len(args))
	}
	if v := window.MaxVersion; v > 0 {
		args = append(args, v)
		query += fmt.Sprintf(" AND version <= $%d", len(args))
	}
	if t := window.MaxOccurredAt; !t.IsZero() {
		args = append(args, t)
		query += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	query += " ORDER BY version ASC"

	return s.queryEnvelopes(ctx, query, args...)
}

func (s *Store) AggregateVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	var v es.Version
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream head: %w", err)
	}
	return v, nil
}

func (s *Store) Exists(ctx context.Context, aggType, aggID string) (bool, error) {
	v, err := s.AggregateVersion(ctx, aggType, aggID)
	return v > 0, err
}

// === EventReader ===

func (s *Store) ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]es.Envelope, error) {
	return s.queryEnvelopes(ctx,
		`SELECT `+envelopeColumns+`
		FROM events WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		afterSeq, limitArg(limit),
	)
}

func (s *Store) ReadByType(ctx context.Context, eventType string, afterSeq uint64, limit int) ([]es.Envelope, error) {
	return s.queryEnvelopes(ctx,
		`SELECT `+envelopeColumns+`
		FROM events WHERE event_type = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		eventType, afterSeq, limitArg(limit),
	)
}

func (s *Store) ReadByTimeRange(ctx context.Context, from, to time.Time, afterSeq uint64, limit int) ([]es.Envelope, error) {
	return s.queryEnvelopes(ctx,
		`SELECT `+envelopeColumns+`
		FROM events
		WHERE occurred_at >= $1 AND occurred_at <= $2 AND seq > $3
		ORDER BY seq ASC LIMIT $4`,
		from, to, afterSeq, limitArg(limit),
	)
}

func (s *Store) ReadByCorrelationID(ctx context.Context, correlationID string) ([]es.Envelope, error) {
	return s.queryEnvelopes(ctx,
		`SELECT `+envelopeColumns+`
		FROM events WHERE correlation_id = $1 ORDER BY seq ASC`,
		correlationID,
	)
}

func (s *Store) queryEnvelopes(ctx context.Context, query string, args ...any) ([]es.Envelope, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := make([]es.Envelope, 0)
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func scanEnvelope(row pgx.Row) (es.Envelope, error) {
	var (
		e        es.Envelope
		metadata []byte
		payload  []byte
	)
	err := row.Scan(
		&e.Seq, &e.ID, &e.AggregateType, &e.AggregateID, &e.Version,
		&e.Type, &e.SchemaVersion, &e.OccurredAt, &e.PersistedAt,
		&e.UserID, &e.CorrelationID, &e.CausationID, &metadata, &payload,
	)
	if err != nil {
		return es.Envelope{}, fmt.Errorf("failed to scan event: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return es.Envelope{}, fmt.Errorf("failed to decode event metadata: %w", err)
		}
	}
	e.Data = payload
	return e, nil
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event metadata: %w", err)
	}
	return out, nil
}

// limitArg maps "no limit" to SQL NULL (LIMIT NULL means unbounded).
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// === OutboxStore ===

const outboxColumns = `id, event_id, event_type, payload, occurred_at, created_at,
	processed, processed_at, attempts, last_error, next_retry_at, correlation_id`

func (s *Store) FetchDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]es.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+`
		FROM outbox_messages
		WHERE NOT processed
		  AND ($2 <= 0 OR attempts < $2)
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`,
		now, maxAttempts, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due outbox messages: %w", err)
	}
	defer rows.Close()

	out := make([]es.OutboxMessage, 0)
	for rows.Next() {
		var (
			m       es.OutboxMessage
			payload []byte
		)
		err := rows.Scan(
			&m.ID, &m.EventID, &m.EventType, &payload, &m.OccurredAt, &m.CreatedAt,
			&m.Processed, &m.ProcessedAt, &m.Attempts, &m.LastError, &m.NextRetryAt, &m.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages SET processed = TRUE, processed_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message %d not found", id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errText string, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages
		SET attempts = attempts + 1, last_error = $2, next_retry_at = $3
		WHERE id = $1`,
		id, errText, nextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message %d not found", id)
	}
	return nil
}

func (s *Store) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE NOT processed`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return n, nil
}
