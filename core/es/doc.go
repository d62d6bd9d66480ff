// Package es implements the event sourcing core: aggregates whose state is
// derived entirely by folding an immutable event history, an append-only
// event store with optimistic concurrency control, snapshots that bound
// replay cost, and a repository composing the two.
//
// # Write path
//
// A command handler loads an aggregate through the Repository, executes
// domain logic that raises events via RaiseAndApply, and saves. Save appends
// the uncommitted events to the EventStore with the expected stream version;
// a racing writer on the same stream loses with a *ConcurrencyError and must
// reload and retry. One outbox message per appended event is written in the
// same durability unit, so publication can be retried independently without
// ever losing an event (see core/outbox for the publisher that drains them).
//
// # Read path
//
// Load restores the latest snapshot if one exists, then replays the stream
// tail. Snapshots are pure cache: any inconsistency falls back to a full
// replay. The Replayer offers snapshot-free refolds, point-in-time ("as of")
// reconstructions and paged scans of the global log for rebuilding read
// models.
//
// Aggregates embed BaseAggregate and implement Apply as a switch over their
// event variants; event types are registered in an EventRegistry so stored
// envelopes can be decoded again. Unregistered event types replay as no-ops,
// keeping old aggregates forward compatible with newer schema versions.
package es
