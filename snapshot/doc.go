// Package snapshot serializes shard state for replica bootstrap, lag
// resync and warm restarts.
//
// An archive is a self-describing stream: header naming the codec and
// compression, shard metadata (identity, hash family, sequence cut),
// then the live entries with their fingerprints. Restoring replaces the
// target shard's contents and primes its replication position at the
// archive's sequence cut, so tailing resumes exactly where the snapshot
// left off.
//
// Archives are immutable blobs; the manifest is the single mutable
// pointer naming each shard's current archive. Publishing a manifest
// generation through a conditional-put store fences concurrent
// snapshotters.
package snapshot
