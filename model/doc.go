// Package model defines core types used throughout simcache.
//
// # Identity Types
//
//   - EntryID: Shard-routable entry identifier ([ShardID:32][LocalID:32])
//   - ShardID: Logical partition identifier (uint32)
//
// # Data Types
//
//   - Fingerprint: Per-table LSH hash codes for a vector
//   - CacheEntry: Stored vector with payload and access metadata
//   - Match: Exact-verified lookup result
//   - Mutation: One record of a shard's ordered replication stream
package model
