package simcache

import (
	"time"

	"github.com/hupe1980/simcache/cluster"
	"github.com/hupe1980/simcache/distance"
)

// Builder provides a fluent API for creating caches. All methods return
// a new Builder value, so a partially configured builder can be reused
// as a template:
//
//	base := simcache.NewBuilder(768).Cosine().Capacity(64 << 20)
//	small, err := base.Build()
//	large, err := base.Capacity(512 << 20).Shards(8).Build()
type Builder struct {
	optFns []Option
}

// NewBuilder starts a builder for vectors of the given dimension.
func NewBuilder(dimension int) Builder {
	return Builder{optFns: []Option{WithDimension(dimension)}}
}

func (b Builder) with(fn Option) Builder {
	optFns := make([]Option, 0, len(b.optFns)+1)
	optFns = append(optFns, b.optFns...)
	optFns = append(optFns, fn)
	return Builder{optFns: optFns}
}

// Cosine selects the cosine distance metric, the default.
func (b Builder) Cosine() Builder {
	return b.with(WithMetric(distance.MetricCosine))
}

// Euclidean selects the Euclidean (L2) distance metric.
func (b Builder) Euclidean() Builder {
	return b.with(WithMetric(distance.MetricEuclidean))
}

// Shards sets the number of logical partitions.
func (b Builder) Shards(n int) Builder {
	return b.with(WithShards(n))
}

// Replicas sets replica slots per shard.
func (b Builder) Replicas(n int) Builder {
	return b.with(WithReplicas(n))
}

// Capacity bounds each shard's resident set in bytes.
func (b Builder) Capacity(bytes int64) Builder {
	return b.with(WithCapacity(bytes))
}

// Threshold sets the default match distance threshold.
func (b Builder) Threshold(threshold float32) Builder {
	return b.with(WithThreshold(threshold))
}

// TTL expires entries older than maxAge.
func (b Builder) TTL(maxAge time.Duration) Builder {
	return b.with(WithTTL(maxAge))
}

// Tables sets the LSH table count L.
func (b Builder) Tables(l int) Builder {
	return b.with(WithTables(l))
}

// Hyperplanes sets the per-table hash bits k.
func (b Builder) Hyperplanes(k int) Builder {
	return b.with(WithHyperplanes(k))
}

// Seed fixes the hash-family seed.
func (b Builder) Seed(seed int64) Builder {
	return b.with(WithSeed(seed))
}

// MultiProbe probes n perturbed buckets per table on lookups.
func (b Builder) MultiProbe(n int) Builder {
	return b.with(WithMultiProbe(n))
}

// StalenessBound marks replica-served results older than bound.
func (b Builder) StalenessBound(bound time.Duration) Builder {
	return b.with(WithStalenessBound(bound))
}

// FailOpen controls lookup behavior on unavailable shards.
func (b Builder) FailOpen(failOpen bool) Builder {
	return b.with(WithFailOpen(failOpen))
}

// Membership joins a gossip cluster.
func (b Builder) Membership(cfg cluster.MembershipConfig) Builder {
	return b.with(WithMembership(cfg))
}

// Observer wires a metrics observer.
func (b Builder) Observer(obs cluster.Observer) Builder {
	return b.with(WithObserver(obs))
}

// Logger configures structured logging.
func (b Builder) Logger(logger *Logger) Builder {
	return b.with(WithLogger(logger))
}

// Build creates the cache.
func (b Builder) Build() (*Cache, error) {
	return New(b.optFns...)
}
