package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eventfold/eventfold-go/internal/reflector"
)

// EventRegistry maps event type names to constructors so we can decode persisted events.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

// Decode reconstructs the typed event from an envelope. Unregistered event
// types yield ErrUnknownEventType; callers that replay history treat that as
// a skippable envelope, not a failure, so deprecated or newer event types
// pass through silently.
func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. For each provided constructor,
// we call it once to determine the event type name and then register the
// original constructor so future decodes produce fresh instances per call.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		r.Register(getEventTypeOf(sample), ctor)
	}
}

// RegistryFor builds a registry covering all event types the given aggregates
// register.
func RegistryFor(aggs ...interface{ Register(Registrar) }) *EventRegistry {
	reg := NewRegistry()
	for _, a := range aggs {
		a.Register(reg)
	}
	return reg
}

func getEventTypeOf(ev any) (eventType string) {
	switch t := ev.(type) {
	case interface{ EventType() string }:
		eventType = t.EventType()
	default:
		eventType = reflector.TypeNameOf(ev)
	}
	return
}

func getEventSchemaVersionOf(ev any) int {
	if t, ok := ev.(interface{ EventSchemaVersion() int }); ok {
		return t.EventSchemaVersion()
	}
	return 1
}
