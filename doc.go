// Package simcache provides a distributed in-memory similarity cache for
// high-dimensional embedding vectors.
//
// Instead of exact keys, entries are addressed by vector similarity:
// a lookup returns the cached payload of the closest stored vector within
// a distance threshold. Typical uses are semantic caches in front of
// expensive model inference, retrieval layers and deduplication.
//
// Features:
//
//   - LSH-based approximate matching (cosine or Euclidean) with exact
//     distance verification, multi-probe and tunable table count
//   - Capacity-bounded shards with hybrid LRU/LFU admission and eviction,
//     optional TTL expiry
//   - Consistent-hash routing across shards with lazy migration after
//     topology changes
//   - Asynchronous primary-to-replica replication with bounded staleness,
//     snapshot resync and promotion on failover
//   - Fail-open lookups: an unavailable shard degrades to a cache miss by
//     default instead of an error
//   - Shard snapshots (s2/zstd/lz4 compression) with pluggable blob
//     storage (memory, local, S3, MinIO) for warm restarts
//   - Prometheus metrics adapter and gossip membership for multi-node
//     deployments
//
// # Quick Start
//
// Create a cache with the fluent builder:
//
//	ctx := context.Background()
//	cache, err := simcache.NewBuilder(768). // vector dimension
//	    Cosine().                           // distance metric
//	    Shards(4).                          // logical partitions
//	    Replicas(1).                        // replica slots per shard
//	    Capacity(256 << 20).                // bytes per shard
//	    Threshold(0.10).                    // default match threshold
//	    Build()
//	if err != nil {
//	    panic(err)
//	}
//	defer cache.Close(ctx)
//
// Insert and look up by similarity:
//
//	id, err := cache.Insert(ctx, embedding, []byte("model answer"))
//
//	res, err := cache.Lookup(ctx, nearbyEmbedding)
//	if err == nil && res.Hit {
//	    serve(res.Payload) // saved an inference call
//	}
//
// Invalidate when the underlying answer changes:
//
//	_ = cache.Invalidate(ctx, id)
//	_ = cache.InvalidateVector(ctx, embedding) // exact-vector form
//
// # Typed Payloads
//
// TypedCache marshals payloads through a codec:
//
//	tc := simcache.Typed[Answer](cache, nil) // nil codec selects the default
//	_, err := tc.Insert(ctx, embedding, Answer{Text: "42"})
//	res, err := tc.Lookup(ctx, nearbyEmbedding)
//
// # Semantics
//
// Matching is approximate: LSH guarantees rising collision probability
// with vector closeness, not exact nearest-neighbor results. Replicas
// serve bounded-stale reads; Result.Staleness and StalenessExceeded
// surface the lag. Entries may be evicted under capacity pressure at any
// time, so a miss is always a correct answer.
package simcache
