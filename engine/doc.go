// Package engine implements the single-shard core of simcache: the LSH
// index, the entry store, admission and eviction, TTL expiry and the
// mutation log that feeds replication.
//
// # Shard Architecture
//
// A Shard composes three structures behind one write lock:
//
//   - lsh.Index: L bucket tables mapping fingerprint codes to local IDs
//   - store: striped hash map holding vectors, payloads and access state
//   - MutationLog: bounded ring of committed mutations for replicas
//
// Lookups are read-only and never block behind writers: they fingerprint
// the query, union the matching buckets, and verify candidates exactly
// against the configured metric. Writers serialize through the admission
// lock so the capacity check, the eviction it triggers and the byte
// accounting happen as one step.
//
// # Write Path
//
//   - Insert: admit (evicting lowest-scored entries if needed) → store →
//     index → append to mutation log
//   - Delete: unindex → remove from store → append to mutation log
//   - Evict: same order as delete, recorded with its own op code
//
// Entries leave the index before they leave the store, and local IDs are
// never reused, so readers can prove whether a missing candidate was a
// racing eviction or a dangling posting. Dangling postings trigger an
// asynchronous bucket rebuild.
//
// # Replication Hooks
//
// The shard itself is replication-agnostic: primaries append to the
// mutation log, replicas apply mutations in sequence order through
// ApplyMutation and report Staleness. The wiring lives in package
// replication.
package engine
