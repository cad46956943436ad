package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/simcache/distance"
	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
	"github.com/hupe1980/simcache/replication"
	"github.com/hupe1980/simcache/resource"
	"github.com/hupe1980/simcache/router"
	"github.com/hupe1980/simcache/snapshot"
)

// Observer receives node-level activity in addition to the per-shard
// engine callbacks. *metrics.Observer satisfies it; values only.
type Observer interface {
	ShardObserver(shard model.ShardID) engine.MetricsObserver
	OnReplicationLag(shard model.ShardID, replica string, pending uint64, staleness time.Duration)
	OnRouteFailOpen()
}

// Config fixes a node's shard layout at creation.
type Config struct {
	// Dimension is the vector dimensionality shared by every shard.
	Dimension int

	// Metric is the distance metric for hashing and verification.
	Metric distance.Metric

	// Shards is the number of primaries this node hosts, with IDs
	// 0..Shards-1. ShardIDs overrides the assignment for multi-node
	// layouts where the keyspace is split across processes.
	Shards   int
	ShardIDs []model.ShardID

	// ReplicaShardIDs are shards this node hosts replica slots for
	// without a local primary; they become primaries on promotion.
	ReplicaShardIDs []model.ShardID

	// Replicas is the number of local replica slots per hosted primary.
	Replicas int

	// CapacityBytes bounds each shard's resident set.
	CapacityBytes int64

	// Tables (L), Hyperplanes (k) and Seed shape the LSH family. The
	// seed must agree across every holder of a shard.
	Tables      int
	Hyperplanes int
	Seed        int64
}

func (c *Config) setDefaults() {
	if c.Shards == 0 && len(c.ShardIDs) == 0 {
		c.Shards = 1
	}
	if c.Tables == 0 {
		c.Tables = 8
	}
	if c.Hyperplanes == 0 {
		c.Hyperplanes = 16
	}
}

func (c *Config) shardIDs() []model.ShardID {
	if len(c.ShardIDs) > 0 {
		return c.ShardIDs
	}
	ids := make([]model.ShardID, c.Shards)
	for i := range ids {
		ids[i] = model.ShardID(i)
	}
	return ids
}

type nodeOptions struct {
	id               string
	logger           *slog.Logger
	observer         Observer
	scorer           engine.Scorer
	maxAge           time.Duration
	sweepInterval    time.Duration
	multiProbe       int
	bucketWidth      float64
	defaultThreshold float32
	logRetention     int
	partitionBits    int
	virtualNodes     int
	requestTimeout   time.Duration
	failOpen         bool
	syncInterval     time.Duration
	batchSize        int
	workers          int
	resources        resource.Config
	membership       *MembershipConfig
}

// NodeOption configures optional node behavior.
type NodeOption func(*nodeOptions)

// WithNodeID overrides the generated uuid node identity.
func WithNodeID(id string) NodeOption {
	return func(o *nodeOptions) {
		if id != "" {
			o.id = id
		}
	}
}

// WithNodeLogger sets the logger shared by the node and everything it
// assembles.
func WithNodeLogger(logger *slog.Logger) NodeOption {
	return func(o *nodeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver wires shard, replication and routing callbacks.
func WithObserver(obs Observer) NodeOption {
	return func(o *nodeOptions) {
		o.observer = obs
	}
}

// WithScorer replaces the eviction scorer on every shard.
func WithScorer(scorer engine.Scorer) NodeOption {
	return func(o *nodeOptions) {
		o.scorer = scorer
	}
}

// WithTTL enables age expiry on every shard.
func WithTTL(maxAge, sweepInterval time.Duration) NodeOption {
	return func(o *nodeOptions) {
		o.maxAge = maxAge
		o.sweepInterval = sweepInterval
	}
}

// WithMultiProbe probes n perturbed buckets per table on lookups.
func WithMultiProbe(n int) NodeOption {
	return func(o *nodeOptions) {
		o.multiProbe = n
	}
}

// WithBucketWidth sets the Euclidean quantization width.
func WithBucketWidth(w float64) NodeOption {
	return func(o *nodeOptions) {
		o.bucketWidth = w
	}
}

// WithDefaultThreshold sets the distance threshold lookups fall back to.
func WithDefaultThreshold(threshold float32) NodeOption {
	return func(o *nodeOptions) {
		o.defaultThreshold = threshold
	}
}

// WithLogRetention bounds each shard's mutation log.
func WithLogRetention(n int) NodeOption {
	return func(o *nodeOptions) {
		o.logRetention = n
	}
}

// WithPartitionBits sets the routing key resolution.
func WithPartitionBits(bits int) NodeOption {
	return func(o *nodeOptions) {
		o.partitionBits = bits
	}
}

// WithVirtualNodes sets ring points per shard.
func WithVirtualNodes(n int) NodeOption {
	return func(o *nodeOptions) {
		o.virtualNodes = n
	}
}

// WithRequestTimeout bounds each routed shard call.
func WithRequestTimeout(d time.Duration) NodeOption {
	return func(o *nodeOptions) {
		o.requestTimeout = d
	}
}

// WithFailOpen controls whether lookups on unavailable shards degrade
// to misses. On by default.
func WithFailOpen(failOpen bool) NodeOption {
	return func(o *nodeOptions) {
		o.failOpen = failOpen
	}
}

// WithSyncInterval sets the replication poll cadence.
func WithSyncInterval(d time.Duration) NodeOption {
	return func(o *nodeOptions) {
		o.syncInterval = d
	}
}

// WithBatchSize bounds mutations per replication round.
func WithBatchSize(n int) NodeOption {
	return func(o *nodeOptions) {
		o.batchSize = n
	}
}

// WithWorkers sizes the shared background worker pool.
func WithWorkers(n int) NodeOption {
	return func(o *nodeOptions) {
		o.workers = n
	}
}

// WithResourceLimits configures the resource governor pacing snapshot
// and background IO.
func WithResourceLimits(cfg resource.Config) NodeOption {
	return func(o *nodeOptions) {
		o.resources = cfg
	}
}

// WithMembership enables gossip membership. Without it the node runs
// standalone, which is the embedded default.
func WithMembership(cfg MembershipConfig) NodeOption {
	return func(o *nodeOptions) {
		o.membership = &cfg
	}
}

// replicaSlot is one local replica behind its in-process transport.
type replicaSlot struct {
	name      string
	shard     *engine.Shard
	transport *replication.InProcTransport
}

// Node hosts a set of shards with their replicas and routes operations
// across them. All methods are safe for concurrent use.
type Node struct {
	id     string
	cfg    Config
	opts   nodeOptions
	logger *slog.Logger

	pool     *engine.WorkerPool
	governor *resource.Controller
	client   *LocalClient
	router   *router.Router

	mu          sync.Mutex
	primaries   map[model.ShardID]*engine.Shard
	replicas    map[model.ShardID][]*replicaSlot
	replicators map[model.ShardID]*replication.Replicator

	membersMu sync.Mutex
	members   map[string][]model.ShardID

	membership *Membership
	closed     bool
}

// NewNode assembles shards, replicas, replication pumps and the router
// for cfg. The returned node is serving; call Close to release it.
func NewNode(cfg Config, optFns ...NodeOption) (*Node, error) {
	cfg.setDefaults()
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("cluster: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.CapacityBytes <= 0 {
		return nil, fmt.Errorf("cluster: capacity must be positive, got %d", cfg.CapacityBytes)
	}
	if cfg.Replicas < 0 {
		return nil, fmt.Errorf("cluster: replicas must not be negative, got %d", cfg.Replicas)
	}

	opts := nodeOptions{
		id:               uuid.NewString(),
		logger:           slog.New(slog.DiscardHandler),
		defaultThreshold: -1,
		failOpen:         true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	n := &Node{
		id:          opts.id,
		cfg:         cfg,
		opts:        opts,
		logger:      opts.logger,
		pool:        engine.NewWorkerPool(opts.workers),
		governor:    resource.NewController(opts.resources),
		client:      NewLocalClient(),
		primaries:   make(map[model.ShardID]*engine.Shard),
		replicas:    make(map[model.ShardID][]*replicaSlot),
		replicators: make(map[model.ShardID]*replication.Replicator),
		members:     make(map[string][]model.ShardID),
	}

	for _, id := range cfg.shardIDs() {
		if err := n.addPrimary(id); err != nil {
			n.teardown()
			return nil, err
		}
	}
	for _, id := range cfg.ReplicaShardIDs {
		shard, err := n.newShard(id, true)
		if err != nil {
			n.teardown()
			return nil, err
		}
		n.replicas[id] = append(n.replicas[id], &replicaSlot{
			name:  uuid.NewString(),
			shard: shard,
		})
		n.client.RegisterReplica(shard)
	}

	partitioner, err := router.NewPartitioner(cfg.Dimension, opts.partitionBits)
	if err != nil {
		n.teardown()
		return nil, err
	}

	routerOpts := []router.RouterOption{
		router.WithFailOpen(opts.failOpen),
		router.WithMigrationPool(n.pool),
		router.WithRouterLogger(n.logger),
	}
	if opts.virtualNodes > 0 {
		routerOpts = append(routerOpts, router.WithVirtualNodes(opts.virtualNodes))
	}
	if opts.requestTimeout > 0 {
		routerOpts = append(routerOpts, router.WithRequestTimeout(opts.requestTimeout))
	}
	if opts.observer != nil {
		routerOpts = append(routerOpts, router.WithFailOpenFunc(opts.observer.OnRouteFailOpen))
	}
	n.router = router.NewRouter(partitioner, n.client, routerOpts...)
	n.router.SetTopology(n.hostedShards())

	if opts.membership != nil {
		m, err := newMembership(n, *opts.membership)
		if err != nil {
			n.teardown()
			return nil, err
		}
		n.membership = m
	}

	n.logger.Info("node assembled",
		"node", n.id,
		"shards", len(n.primaries),
		"replicas_per_shard", cfg.Replicas,
		"membership", opts.membership != nil,
	)
	return n, nil
}

// newShard creates one shard with the node's common options applied.
func (n *Node) newShard(id model.ShardID, replica bool) (*engine.Shard, error) {
	shardOpts := []engine.ShardOption{
		engine.WithLogger(n.logger),
		engine.WithWorkerPool(n.pool),
	}
	if n.opts.observer != nil {
		shardOpts = append(shardOpts, engine.WithMetricsObserver(n.opts.observer.ShardObserver(id)))
	}
	if n.opts.scorer != nil {
		shardOpts = append(shardOpts, engine.WithScorer(n.opts.scorer))
	}
	if n.opts.maxAge > 0 {
		shardOpts = append(shardOpts, engine.WithMaxAge(n.opts.maxAge))
		if n.opts.sweepInterval > 0 {
			shardOpts = append(shardOpts, engine.WithSweepInterval(n.opts.sweepInterval))
		}
	}
	if n.opts.multiProbe > 0 {
		shardOpts = append(shardOpts, engine.WithMultiProbe(n.opts.multiProbe))
	}
	if n.opts.bucketWidth > 0 {
		shardOpts = append(shardOpts, engine.WithBucketWidth(n.opts.bucketWidth))
	}
	if n.opts.defaultThreshold >= 0 {
		shardOpts = append(shardOpts, engine.WithDefaultThreshold(n.opts.defaultThreshold))
	}
	if n.opts.logRetention > 0 {
		shardOpts = append(shardOpts, engine.WithLogRetention(n.opts.logRetention))
	}
	if replica {
		shardOpts = append(shardOpts, engine.WithReplicaRole())
	}

	return engine.NewShard(engine.ShardConfig{
		ID:            id,
		Dimension:     n.cfg.Dimension,
		Metric:        n.cfg.Metric,
		Tables:        n.cfg.Tables,
		Hyperplanes:   n.cfg.Hyperplanes,
		CapacityBytes: n.cfg.CapacityBytes,
		Seed:          n.cfg.Seed,
	}, shardOpts...)
}

// addPrimary creates one primary with its replica slots and pump.
func (n *Node) addPrimary(id model.ShardID) error {
	primary, err := n.newShard(id, false)
	if err != nil {
		return err
	}
	n.primaries[id] = primary
	n.client.Register(primary)

	if n.cfg.Replicas <= 0 {
		return nil
	}

	rep := n.newReplicator(id, primary)
	for i := 0; i < n.cfg.Replicas; i++ {
		shard, err := n.newShard(id, true)
		if err != nil {
			return err
		}
		slot := &replicaSlot{
			name:      uuid.NewString(),
			shard:     shard,
			transport: replication.NewInProcTransport(shard),
		}
		if err := rep.AddReplica(slot.name, slot.transport); err != nil {
			_ = shard.Close()
			return err
		}
		n.replicas[id] = append(n.replicas[id], slot)
		n.client.RegisterReplica(shard)
	}
	n.replicators[id] = rep
	return nil
}

func (n *Node) newReplicator(id model.ShardID, primary *engine.Shard) *replication.Replicator {
	repOpts := []replication.ReplicatorOption{
		replication.WithReplicatorLogger(n.logger),
	}
	if n.opts.syncInterval > 0 {
		repOpts = append(repOpts, replication.WithSyncInterval(n.opts.syncInterval))
	}
	if n.opts.batchSize > 0 {
		repOpts = append(repOpts, replication.WithBatchSize(n.opts.batchSize))
	}
	if obs := n.opts.observer; obs != nil {
		repOpts = append(repOpts, replication.WithLagFunc(
			func(replica string, pending uint64, staleness time.Duration) {
				obs.OnReplicationLag(id, replica, pending, staleness)
			}))
	}
	return replication.NewReplicator(id, primary, repOpts...)
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// Router exposes the node's routing layer.
func (n *Node) Router() *router.Router { return n.router }

// Shard returns a hosted primary.
func (n *Node) Shard(id model.ShardID) (*engine.Shard, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.primaries[id]
	return s, ok
}

// hostedShards lists the shard IDs this node serves as primary.
func (n *Node) hostedShards() []model.ShardID {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]model.ShardID, 0, len(n.primaries))
	for id := range n.primaries {
		ids = append(ids, id)
	}
	return ids
}

// Lookup routes a similarity read. A negative threshold selects the
// configured default.
func (n *Node) Lookup(ctx context.Context, vec []float32, threshold float32, explicitKey []byte) (*model.Match, error) {
	return n.router.Lookup(ctx, vec, threshold, explicitKey)
}

// Insert routes a write to the owning shard.
func (n *Node) Insert(ctx context.Context, vec []float32, payload []byte, explicitKey []byte) (model.EntryID, error) {
	return n.router.Insert(ctx, vec, payload, explicitKey)
}

// Delete removes an entry by ID.
func (n *Node) Delete(ctx context.Context, id model.EntryID) error {
	return n.router.Delete(ctx, id)
}

// InvalidateVector removes the exact entry for vec.
func (n *Node) InvalidateVector(ctx context.Context, vec []float32, explicitKey []byte) error {
	return n.router.InvalidateVector(ctx, vec, explicitKey)
}

// Notify wakes every replication pump, trading batching for staleness.
func (n *Node) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, rep := range n.replicators {
		rep.Notify()
	}
}

// Promote turns the shard's first replica into its primary. The old
// primary, if still present, is closed; remaining replicas re-home onto
// the promoted shard. Mutations the old primary never streamed are
// lost, which cache semantics permit.
func (n *Node) Promote(id model.ShardID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	slots := n.replicas[id]
	if len(slots) == 0 {
		return fmt.Errorf("cluster: no replica to promote for shard %d", id)
	}

	if rep, ok := n.replicators[id]; ok {
		rep.Close()
		delete(n.replicators, id)
	}

	promoted := slots[0]
	rest := slots[1:]
	if promoted.transport != nil {
		_ = promoted.transport.Close()
	}
	promoted.shard.Promote()

	old := n.primaries[id]
	n.primaries[id] = promoted.shard
	n.replicas[id] = rest
	n.client.DeregisterReplica(promoted.shard)
	n.client.Register(promoted.shard)
	if old != nil {
		_ = old.Close()
	}

	if len(rest) > 0 {
		rep := n.newReplicator(id, promoted.shard)
		for _, slot := range rest {
			applier := replication.Applier(slot.shard)
			if slot.transport != nil {
				applier = slot.transport
			}
			if err := rep.AddReplica(slot.name, applier); err != nil {
				n.logger.Warn("re-homing replica failed",
					"shard", uint32(id),
					"replica", slot.name,
					"error", err,
				)
			}
		}
		n.replicators[id] = rep
	}

	n.logger.Info("replica promoted",
		"node", n.id,
		"shard", uint32(id),
		"replica", promoted.name,
		"seq", promoted.shard.LastApplied(),
	)
	return nil
}

// Snapshot streams a consistent archive of one hosted shard into w,
// paced by the node's resource governor.
func (n *Node) Snapshot(ctx context.Context, id model.ShardID, w io.Writer, optFns ...func(*snapshot.Options)) error {
	shard, ok := n.Shard(id)
	if !ok {
		return fmt.Errorf("cluster: shard %d not hosted", id)
	}

	if err := n.governor.AcquireBackground(ctx); err != nil {
		return err
	}
	defer n.governor.ReleaseBackground()

	return snapshot.Write(ctx, shard, resource.NewRateLimitedWriter(ctx, w, n.governor), optFns...)
}

// Restore replaces one hosted shard's contents from a snapshot archive.
func (n *Node) Restore(ctx context.Context, id model.ShardID, r io.Reader) (snapshot.Meta, error) {
	shard, ok := n.Shard(id)
	if !ok {
		return snapshot.Meta{}, fmt.Errorf("cluster: shard %d not hosted", id)
	}

	if err := n.governor.AcquireBackground(ctx); err != nil {
		return snapshot.Meta{}, err
	}
	defer n.governor.ReleaseBackground()

	return snapshot.Read(ctx, resource.NewRateLimitedReader(ctx, r, n.governor), shard)
}

// NodeStats is a point-in-time summary across the node's shards.
type NodeStats struct {
	NodeID  string
	Shards  []engine.ShardStats
	Router  router.RouterStats
	Members int
}

// Stats gathers counters from every hosted primary and the router.
func (n *Node) Stats() NodeStats {
	n.mu.Lock()
	shards := make([]engine.ShardStats, 0, len(n.primaries))
	for _, s := range n.primaries {
		shards = append(shards, s.Stats())
	}
	n.mu.Unlock()

	n.membersMu.Lock()
	members := len(n.members)
	n.membersMu.Unlock()

	return NodeStats{
		NodeID:  n.id,
		Shards:  shards,
		Router:  n.router.Stats(),
		Members: members,
	}
}

// Close stops membership, pumps, shards and the worker pool. Idempotent.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	if n.membership != nil {
		if err := n.membership.Close(ctx); err != nil {
			n.logger.Warn("membership shutdown failed", "error", err)
		}
	}
	n.teardown()
	return nil
}

// teardown releases everything the node assembled. Replicators stop
// before their shards so pumps never observe a closing replica.
func (n *Node) teardown() {
	n.mu.Lock()
	replicators := n.replicators
	primaries := n.primaries
	replicas := n.replicas
	n.replicators = make(map[model.ShardID]*replication.Replicator)
	n.primaries = make(map[model.ShardID]*engine.Shard)
	n.replicas = make(map[model.ShardID][]*replicaSlot)
	n.mu.Unlock()

	for _, rep := range replicators {
		rep.Close()
	}

	var g errgroup.Group
	for _, s := range primaries {
		g.Go(s.Close)
	}
	for _, slots := range replicas {
		for _, slot := range slots {
			g.Go(func() error {
				if slot.transport != nil {
					_ = slot.transport.Close()
				}
				return slot.shard.Close()
			})
		}
	}
	_ = g.Wait()

	n.pool.Close()
}
