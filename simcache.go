package simcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/simcache/cluster"
	"github.com/hupe1980/simcache/config"
	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
	"github.com/hupe1980/simcache/snapshot"
)

// EntryID identifies a cached entry. The owning shard is encoded in the
// high bits, so invalidation never consults the routing ring.
type EntryID = model.EntryID

// ShardID identifies a logical partition.
type ShardID = model.ShardID

// Result is the outcome of a similarity lookup. Hit false means no
// stored vector fell within the threshold, which for a cache is a
// correct answer, not a failure.
type Result struct {
	Hit      bool
	EntryID  EntryID
	Payload  []byte
	Distance float32

	// Staleness is the replication lag of the serving shard at read
	// time. Zero when the read was served by a primary.
	Staleness time.Duration

	// StalenessExceeded flags a replica-served result older than the
	// configured staleness bound. The payload is still returned.
	StalenessExceeded bool
}

// Cache is a distributed in-memory similarity cache. All methods are
// safe for concurrent use. Construct with New, FromConfig or the
// fluent Builder.
type Cache struct {
	node           *cluster.Node
	logger         *Logger
	stalenessBound time.Duration
}

// New creates a cache. WithDimension and WithCapacity are required;
// everything else has embedded-friendly defaults (one shard, cosine,
// no replicas).
func New(optFns ...Option) (*Cache, error) {
	opts := applyOptions(optFns)
	if opts.dimension <= 0 {
		return nil, fmt.Errorf("simcache: dimension must be positive, got %d", opts.dimension)
	}
	if opts.capacityBytes <= 0 {
		return nil, fmt.Errorf("simcache: capacity must be positive, got %d", opts.capacityBytes)
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}

	nodeOpts := []cluster.NodeOption{
		cluster.WithNodeLogger(opts.logger.Logger),
		cluster.WithDefaultThreshold(opts.threshold),
		cluster.WithFailOpen(opts.failOpen),
	}
	if opts.observer != nil {
		nodeOpts = append(nodeOpts, cluster.WithObserver(opts.observer))
	}
	if opts.scorer != nil {
		nodeOpts = append(nodeOpts, cluster.WithScorer(opts.scorer))
	}
	if opts.ttl > 0 {
		nodeOpts = append(nodeOpts, cluster.WithTTL(opts.ttl, opts.sweepInterval))
	}
	if opts.multiProbe > 0 {
		nodeOpts = append(nodeOpts, cluster.WithMultiProbe(opts.multiProbe))
	}
	if opts.bucketWidth > 0 {
		nodeOpts = append(nodeOpts, cluster.WithBucketWidth(opts.bucketWidth))
	}
	if opts.logRetention > 0 {
		nodeOpts = append(nodeOpts, cluster.WithLogRetention(opts.logRetention))
	}
	if opts.partitionBits > 0 {
		nodeOpts = append(nodeOpts, cluster.WithPartitionBits(opts.partitionBits))
	}
	if opts.virtualNodes > 0 {
		nodeOpts = append(nodeOpts, cluster.WithVirtualNodes(opts.virtualNodes))
	}
	if opts.requestTimeout > 0 {
		nodeOpts = append(nodeOpts, cluster.WithRequestTimeout(opts.requestTimeout))
	}
	if opts.syncInterval > 0 {
		nodeOpts = append(nodeOpts, cluster.WithSyncInterval(opts.syncInterval))
	}
	if opts.batchSize > 0 {
		nodeOpts = append(nodeOpts, cluster.WithBatchSize(opts.batchSize))
	}
	if opts.workers > 0 {
		nodeOpts = append(nodeOpts, cluster.WithWorkers(opts.workers))
	}
	nodeOpts = append(nodeOpts, cluster.WithResourceLimits(opts.resources))
	if opts.membership != nil {
		nodeOpts = append(nodeOpts, cluster.WithMembership(*opts.membership))
	}

	node, err := cluster.NewNode(cluster.Config{
		Dimension:     opts.dimension,
		Metric:        opts.metric,
		Shards:        opts.shards,
		Replicas:      opts.replicas,
		CapacityBytes: opts.capacityBytes,
		Tables:        opts.tables,
		Hyperplanes:   opts.hyperplanes,
		Seed:          opts.seed,
	}, nodeOpts...)
	if err != nil {
		return nil, err
	}

	return &Cache{
		node:           node,
		logger:         opts.logger,
		stalenessBound: opts.stalenessBound,
	}, nil
}

// FromConfig creates a cache from a loaded YAML configuration.
// Additional options are applied on top and win on conflict.
func FromConfig(cfg *config.Config, optFns ...Option) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("simcache: config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var scorer engine.Scorer
	switch cfg.Eviction.Policy {
	case "lru":
		scorer = engine.LRUScorer()
	case "lfu":
		scorer = engine.LFUScorer()
	default:
		scorer = engine.HybridScorer(cfg.Eviction.FrequencyWeight, cfg.Eviction.RecencyWeight)
	}

	fns := []Option{
		WithDimension(cfg.Cache.Dimension),
		WithMetric(cfg.Metric()),
		WithShards(cfg.Cache.Shards),
		WithCapacity(cfg.Cache.CapacityBytes),
		WithThreshold(cfg.Cache.DistanceThreshold),
		WithTables(cfg.Index.Tables),
		WithHyperplanes(cfg.Index.Hyperplanes),
		WithSeed(cfg.Index.Seed),
		WithScorer(scorer),
		WithReplicas(cfg.Replication.Replicas),
		WithStalenessBound(cfg.Replication.StalenessBound),
		WithVirtualNodes(cfg.Routing.VirtualNodes),
		WithPartitionBits(cfg.Routing.PartitionBits),
		WithRequestTimeout(cfg.Routing.RequestTimeout),
	}
	if cfg.Index.BucketWidth > 0 {
		fns = append(fns, WithBucketWidth(cfg.Index.BucketWidth))
	}
	if cfg.Index.MultiProbe > 0 {
		fns = append(fns, WithMultiProbe(cfg.Index.MultiProbe))
	}
	if cfg.Eviction.TTL > 0 {
		fns = append(fns, WithTTL(cfg.Eviction.TTL))
		if cfg.Eviction.SweepInterval > 0 {
			fns = append(fns, WithSweepInterval(cfg.Eviction.SweepInterval))
		}
	}
	if cfg.Replication.SyncInterval > 0 {
		fns = append(fns, WithSyncInterval(cfg.Replication.SyncInterval))
	}
	if cfg.Replication.BatchSize > 0 {
		fns = append(fns, WithBatchSize(cfg.Replication.BatchSize))
	}
	if cfg.Replication.LogRetention > 0 {
		fns = append(fns, WithLogRetention(cfg.Replication.LogRetention))
	}
	if cfg.Routing.FailOpen != nil {
		fns = append(fns, WithFailOpen(*cfg.Routing.FailOpen))
	}
	return New(append(fns, optFns...)...)
}

// LookupOptions tune a single lookup.
type LookupOptions struct {
	// Threshold overrides the cache-wide distance threshold. Negative
	// (the default) selects the configured one.
	Threshold float32

	// Key overrides vector-derived routing, pinning the lookup to the
	// shard owning this key. Pair with the same key on Insert.
	Key []byte
}

// WithLookupThreshold overrides the distance threshold for one lookup.
func WithLookupThreshold(threshold float32) func(*LookupOptions) {
	return func(o *LookupOptions) {
		o.Threshold = threshold
	}
}

// WithLookupKey routes one lookup by an explicit key.
func WithLookupKey(key []byte) func(*LookupOptions) {
	return func(o *LookupOptions) {
		o.Key = key
	}
}

// InsertOptions tune a single insert.
type InsertOptions struct {
	// Key overrides vector-derived routing.
	Key []byte
}

// WithInsertKey routes one insert by an explicit key.
func WithInsertKey(key []byte) func(*InsertOptions) {
	return func(o *InsertOptions) {
		o.Key = key
	}
}

// Lookup returns the payload of the closest stored vector within the
// distance threshold, or a Result with Hit false when none qualifies.
// An unavailable shard degrades to a miss under fail-open, the default.
func (c *Cache) Lookup(ctx context.Context, vec []float32, optFns ...func(*LookupOptions)) (*Result, error) {
	opts := LookupOptions{Threshold: -1}
	for _, fn := range optFns {
		fn(&opts)
	}

	match, err := c.node.Lookup(ctx, vec, opts.Threshold, opts.Key)
	if err != nil {
		err = translateError(err)
		c.logger.LogLookup(ctx, false, 0, 0, err)
		return nil, err
	}
	if match == nil {
		c.logger.LogLookup(ctx, false, 0, 0, nil)
		return &Result{}, nil
	}

	res := &Result{
		Hit:               true,
		EntryID:           match.ID,
		Payload:           match.Payload,
		Distance:          match.Distance,
		Staleness:         match.Staleness,
		StalenessExceeded: match.Staleness > c.stalenessBound,
	}
	c.logger.LogLookup(ctx, true, match.Distance, match.Staleness, nil)
	return res, nil
}

// Insert stores a vector with its payload and returns the entry's ID.
// Under capacity pressure lower-valued entries are evicted to make
// room; an entry larger than a whole shard returns ErrCapacityExceeded.
func (c *Cache) Insert(ctx context.Context, vec []float32, payload []byte, optFns ...func(*InsertOptions)) (EntryID, error) {
	var opts InsertOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	id, err := c.node.Insert(ctx, vec, payload, opts.Key)
	if err != nil {
		err = translateError(err)
	}
	c.logger.LogInsert(ctx, id, len(payload), err)
	return id, err
}

// Invalidate removes an entry by ID. Idempotent: removing an entry
// that no longer exists, including one already evicted, succeeds.
func (c *Cache) Invalidate(ctx context.Context, id EntryID) error {
	err := c.node.Delete(ctx, id)
	if errors.Is(err, engine.ErrNotFound) {
		err = nil
	} else {
		err = translateError(err)
	}
	c.logger.LogInvalidate(ctx, id, err)
	return err
}

// InvalidateVector removes the entry stored under exactly vec. Only an
// exact vector match qualifies; use Invalidate for by-ID removal.
// Idempotent like Invalidate: an absent vector is not an error.
func (c *Cache) InvalidateVector(ctx context.Context, vec []float32, optFns ...func(*InsertOptions)) error {
	var opts InsertOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	err := c.node.InvalidateVector(ctx, vec, opts.Key)
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return translateError(err)
}

// Sync wakes the replication pumps immediately instead of waiting out
// the poll interval. Useful in tests and before planned failovers.
func (c *Cache) Sync() {
	c.node.Notify()
}

// Promote fails a shard over to its first replica. Mutations the old
// primary never streamed are lost, which cache semantics permit.
func (c *Cache) Promote(id ShardID) error {
	return c.node.Promote(id)
}

// Snapshot streams a consistent archive of one shard into w. The
// archive embeds the hash-family parameters; Restore rejects archives
// from an incompatible cache.
func (c *Cache) Snapshot(ctx context.Context, id ShardID, w io.Writer, optFns ...func(*snapshot.Options)) error {
	err := c.node.Snapshot(ctx, id, w, optFns...)
	c.logger.LogSnapshot(ctx, id, err)
	return err
}

// Restore replaces one shard's contents from a snapshot archive.
func (c *Cache) Restore(ctx context.Context, id ShardID, r io.Reader) (snapshot.Meta, error) {
	return c.node.Restore(ctx, id, r)
}

// Node exposes the underlying cluster node for advanced wiring such as
// direct shard access or membership inspection.
func (c *Cache) Node() *cluster.Node {
	return c.node
}
