package simcache

import (
	"log/slog"
	"time"

	"github.com/hupe1980/simcache/cluster"
	"github.com/hupe1980/simcache/distance"
	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/resource"
)

type options struct {
	dimension     int
	metric        distance.Metric
	shards        int
	replicas      int
	capacityBytes int64

	tables      int
	hyperplanes int
	seed        int64
	bucketWidth float64
	multiProbe  int
	threshold   float32

	ttl           time.Duration
	sweepInterval time.Duration
	scorer        engine.Scorer

	logRetention   int
	syncInterval   time.Duration
	batchSize      int
	stalenessBound time.Duration

	partitionBits  int
	virtualNodes   int
	requestTimeout time.Duration
	failOpen       bool

	workers    int
	resources  resource.Config
	membership *cluster.MembershipConfig
	observer   cluster.Observer
	logger     *Logger
}

// Option configures cache construction. All of it is fixed at creation:
// hash-family and capacity parameters cannot change under live entries.
type Option func(*options)

// WithDimension sets the fixed vector dimensionality. Required.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithMetric sets the distance metric. Default: cosine.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithShards sets the number of logical partitions. Default: 1.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithReplicas sets replica slots per shard. Default: 0 (primaries
// only).
func WithReplicas(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.replicas = n
		}
	}
}

// WithCapacity bounds each shard's resident set in bytes. Required.
func WithCapacity(bytes int64) Option {
	return func(o *options) {
		o.capacityBytes = bytes
	}
}

// WithTables sets the LSH table count L. More tables raise recall and
// memory. Default: 8.
func WithTables(l int) Option {
	return func(o *options) {
		if l > 0 {
			o.tables = l
		}
	}
}

// WithHyperplanes sets the per-table hash bits k. More bits raise
// precision and shrink buckets. Default: 16.
func WithHyperplanes(k int) Option {
	return func(o *options) {
		if k > 0 {
			o.hyperplanes = k
		}
	}
}

// WithSeed fixes the hash-family seed. Every holder of a shard's data
// (replicas, snapshots) must share it.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithBucketWidth sets the p-stable quantization width for the
// Euclidean family. Ignored under cosine.
func WithBucketWidth(w float64) Option {
	return func(o *options) {
		o.bucketWidth = w
	}
}

// WithMultiProbe additionally probes n perturbed buckets per table,
// trading lookup cost for recall without more tables.
func WithMultiProbe(n int) Option {
	return func(o *options) {
		o.multiProbe = n
	}
}

// WithThreshold sets the default distance threshold for lookups that do
// not pass their own. Default: 0.10.
func WithThreshold(threshold float32) Option {
	return func(o *options) {
		if threshold >= 0 {
			o.threshold = threshold
		}
	}
}

// WithTTL expires entries older than maxAge. Zero (the default)
// disables expiry.
func WithTTL(maxAge time.Duration) Option {
	return func(o *options) {
		o.ttl = maxAge
	}
}

// WithSweepInterval overrides the TTL sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
	}
}

// WithScorer replaces the eviction scorer. The default is the hybrid
// frequency/recency scorer; engine.HybridScorer builds variants.
func WithScorer(scorer engine.Scorer) Option {
	return func(o *options) {
		o.scorer = scorer
	}
}

// WithLogRetention bounds each shard's mutation log to n records.
// Replicas falling further behind resync from a snapshot.
func WithLogRetention(n int) Option {
	return func(o *options) {
		o.logRetention = n
	}
}

// WithSyncInterval sets the replication poll cadence, the main lever on
// replica staleness.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
	}
}

// WithBatchSize bounds mutations per replication round.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithStalenessBound marks replica-served results older than bound via
// Result.StalenessExceeded. A warning surface, never an error.
// Default: 1s.
func WithStalenessBound(bound time.Duration) Option {
	return func(o *options) {
		if bound > 0 {
			o.stalenessBound = bound
		}
	}
}

// WithPartitionBits sets the routing-key resolution.
func WithPartitionBits(bits int) Option {
	return func(o *options) {
		o.partitionBits = bits
	}
}

// WithVirtualNodes sets consistent-hash ring points per shard.
func WithVirtualNodes(n int) Option {
	return func(o *options) {
		o.virtualNodes = n
	}
}

// WithRequestTimeout bounds each routed shard call.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

// WithFailOpen controls lookup behavior on unavailable shards: true
// (the default) degrades to a miss, false surfaces ErrUnavailable.
func WithFailOpen(failOpen bool) Option {
	return func(o *options) {
		o.failOpen = failOpen
	}
}

// WithWorkers sizes the shared background worker pool.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithResourceLimits configures memory/worker/IO budgets for background
// work such as snapshots.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithMembership joins a gossip cluster. Without it the cache runs
// standalone, the embedded default.
func WithMembership(cfg cluster.MembershipConfig) Option {
	return func(o *options) {
		o.membership = &cfg
	}
}

// WithObserver wires a metrics observer, e.g. *metrics.Observer for
// Prometheus. Values only: no behavior hangs off it.
func WithObserver(obs cluster.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets
// it. Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metric:         distance.MetricCosine,
		shards:         1,
		threshold:      0.10,
		stalenessBound: time.Second,
		failOpen:       true,
		logger:         NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
