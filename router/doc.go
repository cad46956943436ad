// Package router places vectors onto shards and keeps routing stable
// while the shard set changes.
//
// Placement is a consistent-hash ring keyed by a coarse partition key,
// never by the LSH fingerprint: the fingerprint is built to scatter
// anything non-identical, while routing needs near-duplicates gathered
// on one shard where its index can see them. The default key is the
// sign pattern of a few fixed projections; callers with a natural
// grouping (tenant, session) supply their own key and get exact
// affinity.
//
// Topology changes keep one previous ring generation. A miss on the
// current owner retries the previous owner; a hit there is served and
// the entry is migrated to the current owner off the request path.
// Nothing is eagerly rebalanced.
//
// Each shard sits behind a circuit breaker. Lookups against an
// unavailable shard fail open to a miss by default; writes surface
// ErrUnavailable and leave retrying to the caller.
package router
