package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

type (
	// Repository rehydrates aggregates and persists new events with
	// optimistic concurrency. Save appends the uncommitted events and their
	// outbox messages in one durability unit; on a concurrency conflict
	// nothing is persisted and the uncommitted queue stays intact so the
	// caller can reload and retry.
	Repository interface {
		Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
		Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
		Exists(ctx context.Context, aggType, aggID string) (bool, error)
		CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
	}
)

type repository struct {
	log         *slog.Logger
	store       EventStore
	registry    *EventRegistry
	snapshotter Snapshotter
	policy      SnapshotPolicy
	idGenerator IDGenerator
	metrics     ESMetrics
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)

	return &repository{
		log:         log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:       store,
		registry:    registry,
		snapshotter: options.snapshotter,
		policy:      options.policy,
		idGenerator: options.idGenerator,
		metrics:     options.metrics,
	}
}

// Load rehydrates agg from the latest snapshot (if any) plus the stream tail.
// An aggregate with neither snapshot nor events is reported as
// ErrAggregateNotFound. A snapshot whose version exceeds the stream head
// indicates drift and is treated as a cache miss: the load falls back to a
// full replay from version 1.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error {
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	loadOptions := newLoadOptions(opts...)

	log := r.log.With(
		slog.Group(
			"agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
		),
	)

	if !loadOptions.skipSnapshot && r.snapshotter != nil {
		if err := r.applySnapshotChecked(ctx, agg, log); err != nil {
			return err
		}
	}

	// load the tail
	tm := r.metrics.StoreLoadDuration(aggType)
	loaded, err := r.store.Load(
		ctx,
		aggType,
		aggID,
		WithStartVersion(agg.GetVersion()+1),
	)
	tm.ObserveDuration()
	if err != nil {
		return err
	}

	if err := replayInto(agg, r.registry, loaded, log); err != nil {
		return err
	}

	if agg.GetVersion() == 0 {
		return ErrAggregateNotFound
	}

	log.Debug("loaded", agg.GetVersion().SlogAttr(), slog.Uint64("seq", agg.GetSeq()))
	return nil
}

// applySnapshotChecked restores the latest snapshot unless it is ahead of the
// persisted stream, in which case the snapshot is distrusted and ignored.
func (r *repository) applySnapshotChecked(ctx context.Context, agg Aggregate, log *slog.Logger) error {
	tm := r.metrics.SnapshotLoadDuration(agg.GetAggType())
	ss, err := r.snapshotter.LoadSnapshot(ctx, agg.GetAggType(), agg.GetID())
	tm.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	head, err := r.store.AggregateVersion(ctx, agg.GetAggType(), agg.GetID())
	if err != nil {
		return err
	}
	if ss.Version > head {
		log.Warn(
			"snapshot ahead of stream, falling back to full replay",
			ss.Version.SlogAttrWithKey("snapshot_version"),
			head.SlogAttrWithKey("stream_version"),
		)
		return nil
	}

	if err := RestoreSnapshot(agg, ss); err != nil {
		log.Warn("snapshot restore failed, falling back to full replay", slog.Any("error", err))
		agg.setVersion(0)
		agg.setSeq(0)
		return nil
	}

	log.Debug("snapshot applied", slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr())
	return nil
}

// replayInto applies envelopes to agg in order, enforcing gapless version
// continuity. Envelopes with unregistered event types advance the version
// and sequence bookkeeping without touching state, so aggregates stay
// forward compatible with newer schema versions.
func replayInto(agg Aggregate, registry *EventRegistry, envs []Envelope, log *slog.Logger) error {
	for _, e := range envs {
		expectVersion := agg.GetVersion() + 1
		if e.Version != expectVersion {
			return fmt.Errorf("expect version %d, got %d", expectVersion, e.Version)
		}

		evt, err := registry.Decode(e)
		if err != nil {
			if errors.Is(err, ErrUnknownEventType) {
				log.Debug("skipping unknown event type", slog.String("type", e.Type), e.Version.SlogAttr())
				agg.setVersion(e.Version)
				agg.setSeq(e.Seq)
				continue
			}
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}

		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
	}
	return nil
}

// Save persists the uncommitted events, each paired with an outbox message in
// the same durability unit, then clears the queue. A save with no
// uncommitted events is a no-op.
func (r *repository) Save(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if agg.GetVersion() < Version(len(uncommitted)) {
		return fmt.Errorf("version %d below uncommitted count %d", agg.GetVersion(), len(uncommitted))
	}

	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	saveOptions := newSaveOptions(saveOpts...)
	correlationID := saveOptions.correlationID
	if correlationID == "" {
		correlationID = r.idGenerator()
	}

	// Raise advanced the version once per event, so the persisted head
	// must still be at version - len(uncommitted).
	expectVersion := agg.GetVersion() - Version(len(uncommitted))

	newEnvs := make([]Envelope, 0, len(uncommitted))
	v := expectVersion
	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %T: %w", ev, err)
		}

		v++
		env := Envelope{
			ID:            r.idGenerator(),
			Type:          getEventTypeOf(ev),
			SchemaVersion: getEventSchemaVersionOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       v,
			OccurredAt:    time.Now(),
			UserID:        saveOptions.userID,
			CorrelationID: correlationID,
			CausationID:   saveOptions.causationID,
			Metadata:      saveOptions.metadata,
			Data:          data,
		}
		if err := env.Validate(); err != nil {
			return err
		}
		newEnvs = append(newEnvs, env)
	}

	tm := r.metrics.StoreAppendDuration(aggType)
	res, err := r.store.Append(ctx, aggType, aggID, expectVersion, newEnvs)
	tm.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(aggType)
			return err
		}
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if res == nil {
		return errors.New("append returned nil result")
	}
	r.metrics.EventsAppended(aggType, len(newEnvs))

	agg.setSeq(res.LastSeq)
	agg.ClearUncommitted()

	r.maybeSnapshot(ctx, agg, saveOptions.forceSnapshot)

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("id", aggID),
			slog.String("type", aggType),
			slog.Uint64("seq", agg.GetSeq()),
			agg.GetVersion().SlogAttr(),
		),
		slog.Int("num_events", len(newEnvs)),
	)

	return nil
}

// maybeSnapshot checkpoints after a successful save when the policy says so.
// Snapshot writes are best-effort: the event store remains the source of
// truth, so a failed checkpoint is logged and the save still succeeds.
func (r *repository) maybeSnapshot(ctx context.Context, agg Aggregate, force bool) {
	if r.snapshotter == nil {
		return
	}
	if !force {
		if r.policy == nil {
			return
		}
		last := Version(0)
		if ss, err := r.snapshotter.LoadSnapshot(ctx, agg.GetAggType(), agg.GetID()); err == nil {
			last = ss.Version
		} else if !errors.Is(err, ErrSnapshotNotFound) {
			r.log.Warn("snapshot lookup failed", slog.Any("error", err))
			return
		}
		if !r.policy.ShouldSnapshot(agg.GetVersion(), last) {
			return
		}
	}

	if _, err := r.CreateSnapshot(ctx, agg); err != nil {
		r.log.Warn("snapshot write failed", slog.Any("error", err))
	}
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	if r.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	ss, err := CreateSnapshot(agg)
	if err != nil {
		return nil, err
	}
	tm := r.metrics.SnapshotSaveDuration(agg.GetAggType())
	err = r.snapshotter.SaveSnapshot(ctx, ss)
	tm.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	r.log.Debug("snapshot saved", ss.logAttrs())
	return ss, nil
}

func (r *repository) Exists(ctx context.Context, aggType, aggID string) (bool, error) {
	return r.store.Exists(ctx, aggType, aggID)
}

var _ Repository = &repository{}

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(id string) T
	Load(ctx context.Context, a T, opts ...LoadOption) error
	GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	Exists(ctx context.Context, aggID string) (bool, error)
	Save(ctx context.Context, agg T, opts ...SaveOption) error
}

type typedRepo[T Aggregate] struct {
	r   Repository
	log *slog.Logger
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	} else {
		a = *new(T)
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return
	}
	return a, nil
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, opts...)
	if err != nil {
		if !errors.Is(err, ErrAggregateNotFound) {
			return a, err
		}
		if err = a.Create(aggID); err != nil {
			return a, err
		}
		if err = t.Save(ctx, a); err != nil {
			return a, err
		}
		t.log.Debug("created", slog.String("id", aggID))
	}
	return a, nil
}

func (t *typedRepo[T]) Exists(ctx context.Context, aggID string) (bool, error) {
	return t.r.Exists(ctx, t.GetAggType(), aggID)
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) GetAggType() string {
	return t.New().GetAggType()
}

func NewTypedRepository[T Aggregate](log *slog.Logger, s EventStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	return &typedRepo[T]{r: r, log: log.With(slog.String("repo", fmt.Sprintf("%T", *new(T))))}
}
