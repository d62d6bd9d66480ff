package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eventfold/eventfold-go/core/tracker"
)

// Tracker is the durable projection status tracker, one row per
// (event id, projection name).
type Tracker struct {
	log  *slog.Logger
	pool *Pool
}

func NewTracker(log *slog.Logger, pool *Pool) *Tracker {
	return &Tracker{
		log:  log.With(slog.String("tracker", "postgres")),
		pool: pool,
	}
}

var _ tracker.Tracker = &Tracker{}

func (t *Tracker) Begin(ctx context.Context, eventID, projection string) error {
	_, err := t.pool.Exec(ctx,
		`INSERT INTO projection_status (event_id, projection, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, projection)
		DO UPDATE SET status = $3, updated_at = NOW()`,
		eventID, projection, tracker.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to begin tracking %s/%s: %w", eventID, projection, err)
	}
	return nil
}

func (t *Tracker) Complete(ctx context.Context, eventID, projection string) error {
	tag, err := t.pool.Exec(ctx,
		`UPDATE projection_status
		SET status = $3, last_error = '', updated_at = NOW()
		WHERE event_id = $1 AND projection = $2`,
		eventID, projection, tracker.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to complete tracking %s/%s: %w", eventID, projection, err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrEntryNotFound
	}
	return nil
}

func (t *Tracker) Fail(ctx context.Context, eventID, projection string, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	tag, err := t.pool.Exec(ctx,
		`UPDATE projection_status
		SET status = $3, attempts = attempts + 1, last_error = $4, updated_at = NOW()
		WHERE event_id = $1 AND projection = $2`,
		eventID, projection, tracker.StatusFailed, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record failure %s/%s: %w", eventID, projection, err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrEntryNotFound
	}
	return nil
}

func (t *Tracker) AllComplete(ctx context.Context, eventID string) (bool, error) {
	var total, completed int
	err := t.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		FROM projection_status WHERE event_id = $1`,
		eventID, tracker.StatusCompleted,
	).Scan(&total, &completed)
	if err != nil {
		return false, fmt.Errorf("failed to check completion of %s: %w", eventID, err)
	}
	return total > 0 && total == completed, nil
}

func (t *Tracker) Failed(ctx context.Context, maxAttempts int) ([]tracker.Entry, error) {
	if maxAttempts <= 0 {
		maxAttempts = tracker.DefaultMaxAttempts
	}
	return t.queryEntries(ctx,
		`SELECT event_id, projection, status, attempts, last_error, started_at, updated_at
		FROM projection_status
		WHERE status = $1 AND attempts < $2
		ORDER BY started_at ASC`,
		tracker.StatusFailed, maxAttempts,
	)
}

func (t *Tracker) Stuck(ctx context.Context, maxAttempts int) ([]tracker.Entry, error) {
	if maxAttempts <= 0 {
		maxAttempts = tracker.DefaultMaxAttempts
	}
	return t.queryEntries(ctx,
		`SELECT event_id, projection, status, attempts, last_error, started_at, updated_at
		FROM projection_status
		WHERE status = $1 AND attempts >= $2
		ORDER BY started_at ASC`,
		tracker.StatusFailed, maxAttempts,
	)
}

func (t *Tracker) Entries(ctx context.Context, eventID string) ([]tracker.Entry, error) {
	return t.queryEntries(ctx,
		`SELECT event_id, projection, status, attempts, last_error, started_at, updated_at
		FROM projection_status
		WHERE event_id = $1
		ORDER BY started_at ASC, projection ASC`,
		eventID,
	)
}

func (t *Tracker) queryEntries(ctx context.Context, query string, args ...any) ([]tracker.Entry, error) {
	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projection status: %w", err)
	}
	defer rows.Close()

	out := make([]tracker.Entry, 0)
	for rows.Next() {
		var e tracker.Entry
		err := rows.Scan(&e.EventID, &e.Projection, &e.Status, &e.Attempts, &e.LastError, &e.StartedAt, &e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan projection status: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
