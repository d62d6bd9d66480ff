package es

import (
	"github.com/google/uuid"
)

// IDGenerator is a function that generates unique IDs for events.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using uuid v4.
func DefaultIDGenerator() IDGenerator {
	return uuid.NewString
}

type (
	valueOption[T any] struct{ v T }

	repoOpts struct {
		snapshotter Snapshotter
		policy      SnapshotPolicy
		idGenerator IDGenerator
		metrics     ESMetrics
	}

	repoSaveOptions struct {
		forceSnapshot bool
		correlationID string
		causationID   string
		userID        string
		metadata      map[string]string
	}

	repoLoadOptions struct {
		skipSnapshot bool
	}
)

type (
	RepositoryOption interface{ applyToRepository(*repoOpts) }
	SaveOption       interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption       interface{ applyToLoadOptions(*repoLoadOptions) }
)

type (
	SnapshotterOption    valueOption[Snapshotter]
	SnapshotPolicyOption valueOption[SnapshotPolicy]
	IDGeneratorOption    valueOption[IDGenerator]
	ESMetricsOption      valueOption[ESMetrics]

	SnapshotOption      struct{}
	NoSnapshotOption    struct{}
	CorrelationOption   valueOption[string]
	CausationOption     valueOption[string]
	UserOption          valueOption[string]
	EventMetadataOption valueOption[map[string]string]
)

// WithSnapshotter enables snapshot reads/writes through the given Snapshotter.
func WithSnapshotter(s Snapshotter) SnapshotterOption { return SnapshotterOption{v: s} }

// WithSnapshotPolicy sets the automatic checkpoint cadence, e.g. SnapshotEvery(100).
func WithSnapshotPolicy(p SnapshotPolicy) SnapshotPolicyOption { return SnapshotPolicyOption{v: p} }

// WithIDGenerator sets a custom ID generator for event envelope IDs.
func WithIDGenerator(gen IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: gen} }

// WithMetrics sets the metrics implementation.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{v: m} }

// WithSnapshot forces a checkpoint after this save, regardless of policy.
func WithSnapshot() SnapshotOption { return SnapshotOption{} }

// WithoutSnapshot loads by full replay, ignoring any stored snapshot.
func WithoutSnapshot() NoSnapshotOption { return NoSnapshotOption{} }

// WithCorrelationID stamps all events of this save with the business
// transaction id. Defaults to a fresh id per save.
func WithCorrelationID(id string) CorrelationOption { return CorrelationOption{v: id} }

// WithCausationID stamps all events of this save with the id of the event or
// command that caused them.
func WithCausationID(id string) CausationOption { return CausationOption{v: id} }

// WithUserID stamps all events of this save with the originating user.
// Saves without it record system events.
func WithUserID(id string) UserOption { return UserOption{v: id} }

// WithEventMetadata attaches free-form metadata to all events of this save.
func WithEventMetadata(md map[string]string) EventMetadataOption {
	return EventMetadataOption{v: md}
}

func (o SnapshotterOption) applyToRepository(r *repoOpts)    { r.snapshotter = o.v }
func (o SnapshotPolicyOption) applyToRepository(r *repoOpts) { r.policy = o.v }
func (o IDGeneratorOption) applyToRepository(r *repoOpts)    { r.idGenerator = o.v }
func (o ESMetricsOption) applyToRepository(r *repoOpts)      { r.metrics = o.v }

func (o SnapshotOption) applyToSaveOptions(s *repoSaveOptions)    { s.forceSnapshot = true }
func (o CorrelationOption) applyToSaveOptions(s *repoSaveOptions) { s.correlationID = o.v }
func (o CausationOption) applyToSaveOptions(s *repoSaveOptions)   { s.causationID = o.v }
func (o UserOption) applyToSaveOptions(s *repoSaveOptions)        { s.userID = o.v }
func (o EventMetadataOption) applyToSaveOptions(s *repoSaveOptions) {
	s.metadata = o.v
}

func (o NoSnapshotOption) applyToLoadOptions(l *repoLoadOptions) { l.skipSnapshot = true }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		idGenerator: DefaultIDGenerator(),
		metrics:     NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

func newSaveOptions(opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}
