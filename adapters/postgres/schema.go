package postgres

import (
	"context"
	"fmt"
)

// schema holds the four tables of the persistence engine. The unique index
// on (aggregate_type, aggregate_id, version) is the concurrency backstop: a
// writer racing past the in-transaction version check still fails on insert.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq            BIGSERIAL PRIMARY KEY,
		event_id       TEXT        NOT NULL UNIQUE,
		aggregate_type TEXT        NOT NULL,
		aggregate_id   TEXT        NOT NULL,
		version        BIGINT      NOT NULL CHECK (version > 0),
		event_type     TEXT        NOT NULL,
		schema_version INT         NOT NULL DEFAULT 1,
		occurred_at    TIMESTAMPTZ NOT NULL,
		persisted_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		user_id        TEXT        NOT NULL DEFAULT '',
		correlation_id TEXT        NOT NULL DEFAULT '',
		causation_id   TEXT        NOT NULL DEFAULT '',
		metadata       JSONB,
		payload        JSONB       NOT NULL,
		UNIQUE (aggregate_type, aggregate_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS events_type_idx ON events (event_type, seq)`,
	`CREATE INDEX IF NOT EXISTS events_correlation_idx ON events (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS events_occurred_at_idx ON events (occurred_at)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id    TEXT        PRIMARY KEY,
		aggregate_type TEXT        NOT NULL,
		aggregate_id   TEXT        NOT NULL,
		version        BIGINT      NOT NULL,
		seq            BIGINT      NOT NULL,
		schema_version INT         NOT NULL DEFAULT 1,
		encoding       TEXT        NOT NULL,
		data           BYTEA       NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (aggregate_type, aggregate_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_agg_idx ON snapshots (aggregate_type, aggregate_id, version DESC)`,

	`CREATE TABLE IF NOT EXISTS outbox_messages (
		id             BIGSERIAL   PRIMARY KEY,
		event_id       TEXT        NOT NULL UNIQUE,
		event_type     TEXT        NOT NULL,
		payload        JSONB       NOT NULL,
		occurred_at    TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed      BOOLEAN     NOT NULL DEFAULT FALSE,
		processed_at   TIMESTAMPTZ,
		attempts       INT         NOT NULL DEFAULT 0,
		last_error     TEXT        NOT NULL DEFAULT '',
		next_retry_at  TIMESTAMPTZ,
		correlation_id TEXT        NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx ON outbox_messages (created_at) WHERE NOT processed`,

	`CREATE TABLE IF NOT EXISTS projection_status (
		event_id   TEXT        NOT NULL,
		projection TEXT        NOT NULL,
		status     TEXT        NOT NULL,
		attempts   INT         NOT NULL DEFAULT 0,
		last_error TEXT        NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (event_id, projection)
	)`,
	`CREATE INDEX IF NOT EXISTS projection_status_failed_idx ON projection_status (status, attempts)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
// Suitable for dev and tests; production deployments run migrations instead.
func EnsureSchema(ctx context.Context, pool *Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
