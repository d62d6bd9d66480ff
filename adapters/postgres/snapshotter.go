package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/eventfold/eventfold-go/core/es"
)

// Snapshotter persists aggregate checkpoints. Older checkpoints are kept; a
// load always takes the highest version, so a bad write never shadows an
// earlier good one.
type Snapshotter struct {
	log  *slog.Logger
	pool *Pool
}

func NewSnapshotter(log *slog.Logger, pool *Pool) *Snapshotter {
	return &Snapshotter{
		log:  log.With(slog.String("snapshotter", "postgres")),
		pool: pool,
	}
}

var _ es.Snapshotter = &Snapshotter{}

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (
			snapshot_id, aggregate_type, aggregate_id, version,
			seq, schema_version, encoding, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (aggregate_type, aggregate_id, version) DO NOTHING`,
		snapshot.SnapshotID, snapshot.AggregateType, snapshot.AggregateID, snapshot.Version,
		snapshot.Seq, snapshot.SchemaVersion, snapshot.Encoding, snapshot.Data, snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	var ss es.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot_id, aggregate_type, aggregate_id, version,
			seq, schema_version, encoding, data, created_at
		FROM snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY version DESC
		LIMIT 1`,
		aggType, aggID,
	).Scan(
		&ss.SnapshotID, &ss.AggregateType, &ss.AggregateID, &ss.Version,
		&ss.Seq, &ss.SchemaVersion, &ss.Encoding, &ss.Data, &ss.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &ss, nil
}

func (s *Snapshotter) DeleteSnapshots(ctx context.Context, aggType, aggID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
