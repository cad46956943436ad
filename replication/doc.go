// Package replication ships a primary shard's mutation log to its
// replicas.
//
// The model is asynchronous single-writer fan-out: the primary commits
// mutations to a bounded, totally ordered log; one pump goroutine per
// replica replays that log in sequence order. Replicas therefore lag the
// primary by a bounded, observable amount (the shard's Staleness), which
// readers accept in exchange for never blocking writes on replication.
//
// Two conditions break log replay and force a snapshot resync: the
// replica's position has fallen out of the log's retention window, or
// the replica reports a sequence gap. Resync clears the replica, copies
// the primary's live entries, seeds the replica's position at the
// snapshot cut, and resumes tailing. Mutations racing the copy replay
// idempotently: inserts are keyed by entry ID and deletes of absent
// entries are no-ops.
//
// Losing a primary loses at most the log tail replicas had not applied.
// For a cache that is acceptable: promoted replicas serve what they
// have, and lost entries are recomputed on the next miss.
package replication
