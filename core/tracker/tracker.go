// Package tracker records per-projection processing status for published
// events, making eventual consistency observable: a writer can ask whether
// every projection has caught up with a given event, and operators can list
// projections that are stuck.
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status is the processing state of one event/projection pair.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxAttempts is the attempt bound beyond which a failed entry is
// considered stuck rather than retrying.
const DefaultMaxAttempts = 5

// ErrEntryNotFound is returned when Complete or Fail reference an
// event/projection pair that was never begun.
var ErrEntryNotFound = errors.New("tracker entry not found")

// Entry is the status record of one event being processed by one projection.
type Entry struct {
	EventID    string    `json:"event_id"`
	Projection string    `json:"projection"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tracker stores processing status per (event id, projection name). A retry
// of a previously failed pair goes through Begin again; the attempt counter
// carries across retries.
type Tracker interface {
	// Begin marks the pair in-progress. Idempotent: re-beginning an existing
	// entry resets its status but keeps the attempt history.
	Begin(ctx context.Context, eventID, projection string) error
	// Complete marks the pair completed.
	Complete(ctx context.Context, eventID, projection string) error
	// Fail marks the pair failed and increments its attempt counter.
	Fail(ctx context.Context, eventID, projection string, cause error) error
	// AllComplete reports whether every projection that began processing the
	// event has completed. An event no projection has begun is not complete.
	AllComplete(ctx context.Context, eventID string) (bool, error)
	// Failed lists failed entries still under the attempt bound, oldest
	// first. These are the entries a retry driver re-dispatches through
	// Begin. maxAttempts <= 0 selects DefaultMaxAttempts.
	Failed(ctx context.Context, maxAttempts int) ([]Entry, error)
	// Stuck lists failed entries at or past the attempt bound, oldest first.
	// They are no longer retried and need operator attention.
	// maxAttempts <= 0 selects DefaultMaxAttempts.
	Stuck(ctx context.Context, maxAttempts int) ([]Entry, error)
	// Entries lists all status records for one event, oldest first.
	Entries(ctx context.Context, eventID string) ([]Entry, error)
}

// InMemoryTracker is a Tracker for tests and single-process setups. The
// durable equivalent lives in adapters/postgres.
type InMemoryTracker struct {
	mu      sync.Mutex
	entries map[trackerKey]Entry
}

type trackerKey struct {
	eventID    string
	projection string
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{entries: map[trackerKey]Entry{}}
}

func (t *InMemoryTracker) Begin(_ context.Context, eventID, projection string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	key := trackerKey{eventID: eventID, projection: projection}
	if e, ok := t.entries[key]; ok {
		e.Status = StatusInProgress
		e.UpdatedAt = now
		t.entries[key] = e
		return nil
	}
	t.entries[key] = Entry{
		EventID:    eventID,
		Projection: projection,
		Status:     StatusInProgress,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (t *InMemoryTracker) Complete(_ context.Context, eventID, projection string) error {
	return t.update(eventID, projection, func(e *Entry) {
		e.Status = StatusCompleted
		e.LastError = ""
	})
}

func (t *InMemoryTracker) Fail(_ context.Context, eventID, projection string, cause error) error {
	return t.update(eventID, projection, func(e *Entry) {
		e.Status = StatusFailed
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

func (t *InMemoryTracker) update(eventID, projection string, fn func(*Entry)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey{eventID: eventID, projection: projection}
	e, ok := t.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	fn(&e)
	e.UpdatedAt = time.Now()
	t.entries[key] = e
	return nil
}

func (t *InMemoryTracker) AllComplete(_ context.Context, eventID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	for key, e := range t.entries {
		if key.eventID != eventID {
			continue
		}
		found = true
		if e.Status != StatusCompleted {
			return false, nil
		}
	}
	return found, nil
}

func (t *InMemoryTracker) Failed(_ context.Context, maxAttempts int) ([]Entry, error) {
	return t.failedWhere(maxAttempts, func(attempts, bound int) bool {
		return attempts < bound
	})
}

func (t *InMemoryTracker) Stuck(_ context.Context, maxAttempts int) ([]Entry, error) {
	return t.failedWhere(maxAttempts, func(attempts, bound int) bool {
		return attempts >= bound
	})
}

func (t *InMemoryTracker) failedWhere(maxAttempts int, match func(attempts, bound int) bool) ([]Entry, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range t.entries {
		if e.Status == StatusFailed && match(e.Attempts, maxAttempts) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (t *InMemoryTracker) Entries(_ context.Context, eventID string) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0)
	for key, e := range t.entries {
		if key.eventID == eventID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].Projection < entries[j].Projection
		}
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
}
