package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrStoreNoEvents       = errors.New("no events to store")
)

// ConcurrencyError reports an optimistic concurrency check failure on append.
// The caller lost a race on the aggregate stream: reload the aggregate and
// retry the command. The store never retries on its own.
type ConcurrencyError struct {
	AggregateType string
	AggregateID   string
	Expected      Version
	Actual        Version
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on %s/%s: expected version %d, actual %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual,
	)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) match.
func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }
