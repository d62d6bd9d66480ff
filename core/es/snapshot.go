package es

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
	ErrSnapshotNotFound        = errors.New("snapshot not found")
)

const (
	encodingJSON     = "json"
	encodingJSONGzip = "json+gzip"
)

type (
	// Snapshot is a serialized aggregate state at a specific version.
	// Snapshots are a performance shortcut, never a source of truth: a
	// snapshot at version V combined with all events strictly after V must
	// reconstruct the same state as a full replay from version 1.
	Snapshot struct {
		SnapshotID string `json:"snapshot_id"`

		AggregateID   string  `json:"aggregate_id"`
		AggregateType string  `json:"aggregate_type"`
		Version       Version `json:"version"`

		// Seq is the global sequence number of the last event covered.
		Seq uint64 `json:"seq"`

		CreatedAt     time.Time `json:"created_at"`
		SchemaVersion int       `json:"schema_version"`
		Encoding      string    `json:"encoding"`
		Data          []byte    `json:"data"`
	}

	// Snapshottable lets an aggregate control its own snapshot encoding.
	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	Snapshotter interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		// LoadSnapshot returns the most recent snapshot for the aggregate,
		// or ErrSnapshotNotFound.
		LoadSnapshot(ctx context.Context, aggType, aggID string) (*Snapshot, error)
		// DeleteSnapshots removes all checkpoints of an aggregate, used
		// when a stream is retired.
		DeleteSnapshots(ctx context.Context, aggType, aggID string) error
	}

	// SnapshotPolicy encodes the checkpoint cadence. It is a pure decision
	// function with no side effects, queried by the repository after each
	// successful save.
	SnapshotPolicy interface {
		ShouldSnapshot(current, lastSnapshot Version) bool
	}
)

type everyN struct{ n Version }

func (p everyN) ShouldSnapshot(current, lastSnapshot Version) bool {
	return current >= lastSnapshot+p.n
}

// SnapshotEvery snapshots once the stream grew by n versions since the last
// checkpoint.
func SnapshotEvery(n uint64) SnapshotPolicy { return everyN{n: Version(max(n, 1))} }

type neverSnapshot struct{}

func (neverSnapshot) ShouldSnapshot(Version, Version) bool { return false }

// SnapshotNever disables automatic checkpoints.
func SnapshotNever() SnapshotPolicy { return neverSnapshot{} }

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("aggregate_type", s.AggregateType),
		slog.String("aggregate_id", s.AggregateID),
		s.Version.SlogAttr(),
		slog.Uint64("seq", s.Seq),
		slog.Time("created_at", s.CreatedAt),
		slog.Int("size", len(s.Data)),
	)
}

// ApplySnapshot restores agg from its latest snapshot and advances its
// version/sequence bookkeeping to the snapshot point.
func ApplySnapshot(ctx context.Context, snapshotter Snapshotter, agg Aggregate) error {
	if snapshotter == nil {
		return ErrSnapshotterUnconfigured
	}
	snapshot, err := snapshotter.LoadSnapshot(ctx, agg.GetAggType(), agg.GetID())
	if err != nil {
		return err
	}
	return RestoreSnapshot(agg, snapshot)
}

// RestoreSnapshot applies an already-loaded snapshot to agg.
func RestoreSnapshot(agg Aggregate, snapshot *Snapshot) error {
	data, err := decodeSnapshotData(snapshot)
	if err != nil {
		return err
	}
	if sss, ok := any(agg).(Snapshottable); ok {
		err = sss.RestoreSnapshot(data)
	} else {
		err = json.Unmarshal(data, agg)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	agg.setVersion(snapshot.Version)
	agg.setSeq(snapshot.Seq)
	return nil
}

// CreateSnapshot serializes the aggregate state at its current version.
// The payload is gzip-compressed JSON unless the aggregate provides its own
// encoding via Snapshottable.
func CreateSnapshot(agg Aggregate) (*Snapshot, error) {
	var (
		data []byte
		err  error
	)
	if s, ok := any(agg).(Snapshottable); ok {
		data, err = s.Snapshot()
	} else {
		data, err = json.Marshal(agg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	compressed, err := gzipBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	return &Snapshot{
		SnapshotID:    gonanoid.Must(),
		AggregateID:   agg.GetID(),
		AggregateType: agg.GetAggType(),
		Version:       agg.GetVersion(),
		Seq:           agg.GetSeq(),
		CreatedAt:     time.Now(),
		SchemaVersion: 1,
		Encoding:      encodingJSONGzip,
		Data:          compressed,
	}, nil
}

func decodeSnapshotData(s *Snapshot) ([]byte, error) {
	switch s.Encoding {
	case encodingJSONGzip:
		return gunzipBytes(s.Data)
	case encodingJSON, "":
		return s.Data, nil
	default:
		return nil, fmt.Errorf("unknown snapshot encoding %q", s.Encoding)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// === In-Memory Snapshotter ===

type InMemorySnapshotter struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

func NewInMemorySnapshotter() *InMemorySnapshotter {
	return &InMemorySnapshotter{snapshots: map[string]*Snapshot{}}
}

func (i *InMemorySnapshotter) key(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (i *InMemorySnapshotter) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snapshots[i.key(snapshot.AggregateType, snapshot.AggregateID)] = snapshot
	return nil
}

func (i *InMemorySnapshotter) LoadSnapshot(_ context.Context, aggType, aggID string) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	s, ok := i.snapshots[i.key(aggType, aggID)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return s, nil
}

func (i *InMemorySnapshotter) DeleteSnapshots(_ context.Context, aggType, aggID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.snapshots, i.key(aggType, aggID))
	return nil
}

var _ Snapshotter = &InMemorySnapshotter{}
