package engine

import (
	"log/slog"
	"time"
)

// ShardOption configures optional shard behavior at construction.
type ShardOption func(*Shard)

// WithScorer replaces the eviction scorer. The default is
// HybridScorer(DefaultFreqWeight, DefaultRecencyWeight).
func WithScorer(scorer Scorer) ShardOption {
	return func(s *Shard) {
		if scorer != nil {
			s.scorer = scorer
		}
	}
}

// WithMetricsObserver wires an observer for lookups, admissions,
// evictions, sweeps and integrity repairs.
func WithMetricsObserver(obs MetricsObserver) ShardOption {
	return func(s *Shard) {
		if obs != nil {
			s.observer = obs
		}
	}
}

// WithLogger sets the shard's structured logger. Logging is off by
// default.
func WithLogger(logger *slog.Logger) ShardOption {
	return func(s *Shard) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxAge enables TTL expiry: entries older than maxAge are swept.
// Zero disables the sweeper.
func WithMaxAge(maxAge time.Duration) ShardOption {
	return func(s *Shard) {
		s.maxAge = maxAge
	}
}

// WithSweepInterval overrides the TTL sweep cadence. Only meaningful
// together with WithMaxAge.
func WithSweepInterval(interval time.Duration) ShardOption {
	return func(s *Shard) {
		s.sweepInterval = interval
	}
}

// WithMultiProbe probes n perturbed buckets per table in addition to the
// home bucket, trading lookup cost for recall without more tables.
func WithMultiProbe(n int) ShardOption {
	return func(s *Shard) {
		if n > 0 {
			s.multiProbe = n
		}
	}
}

// WithBucketWidth sets the p-stable quantization width for the Euclidean
// family. Ignored under cosine.
func WithBucketWidth(w float64) ShardOption {
	return func(s *Shard) {
		if w > 0 {
			s.bucketWidth = w
		}
	}
}

// WithDefaultThreshold sets the distance threshold used when a lookup
// passes a negative one.
func WithDefaultThreshold(threshold float32) ShardOption {
	return func(s *Shard) {
		if threshold >= 0 {
			s.defaultThreshold = threshold
		}
	}
}

// WithLogRetention bounds the mutation log to n records. Replicas that
// fall further behind than the window resync from a snapshot.
func WithLogRetention(n int) ShardOption {
	return func(s *Shard) {
		if n > 0 {
			s.logRetention = n
		}
	}
}

// WithWorkerPool runs maintenance jobs (bucket rebuilds) on a shared
// pool instead of ad-hoc goroutines.
func WithWorkerPool(pool *WorkerPool) ShardOption {
	return func(s *Shard) {
		s.pool = pool
	}
}

// WithReplicaRole creates the shard as a replica: writes are refused and
// state arrives through ApplyMutation until Promote.
func WithReplicaRole() ShardOption {
	return func(s *Shard) {
		s.primary.Store(false)
	}
}
