package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
)

// Source is the primary side of a replication stream. *engine.Shard
// satisfies it.
type Source interface {
	// MutationsSince returns up to max mutations after seq, in order.
	// engine.ErrLogTruncated means seq left the retention window and the
	// replica must resync from a snapshot.
	MutationsSince(seq uint64, max int) ([]model.Mutation, error)

	// Seq is the last committed sequence number.
	Seq() uint64

	// Dump iterates the live entries for snapshot resync.
	Dump(fn func(model.CacheEntry, model.Fingerprint) bool)
}

// Applier is the replica side of a replication stream. *engine.Shard in
// replica role satisfies it.
type Applier interface {
	// ApplyMutation applies one mutation in sequence order.
	ApplyMutation(model.Mutation) error

	// LastApplied is the replica's current position.
	LastApplied() uint64

	// Clear, LoadEntry and SetLastApplied implement snapshot resync.
	Clear()
	LoadEntry(model.CacheEntry, model.Fingerprint) error
	SetLastApplied(seq uint64, tsNanos int64)
}

// LagFunc receives replica progress after every sync round: how many
// mutations the replica still trails by, and the primary-side age of its
// position.
type LagFunc func(replica string, pending uint64, staleness time.Duration)

const (
	// DefaultBatchSize bounds mutations fetched per round.
	DefaultBatchSize = 256

	// DefaultSyncInterval paces the pump when no backlog is known. It is
	// the main lever on replica staleness.
	DefaultSyncInterval = 20 * time.Millisecond
)

// Replicator tails one primary's mutation log into registered replicas,
// one pump goroutine per replica so a slow replica never stalls the
// others.
type Replicator struct {
	shard  model.ShardID
	source Source

	batch    int
	interval time.Duration
	limiter  *rate.Limiter
	onLag    LagFunc
	logger   *slog.Logger

	mu       sync.Mutex
	replicas map[string]*replicaState
	closed   bool

	wg sync.WaitGroup
}

type replicaState struct {
	name    string
	applier Applier
	stopCh  chan struct{}
	notify  chan struct{}
}

// ReplicatorOption configures a Replicator.
type ReplicatorOption func(*Replicator)

// WithBatchSize bounds mutations fetched per sync round.
func WithBatchSize(n int) ReplicatorOption {
	return func(r *Replicator) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithSyncInterval sets the idle polling cadence, the dominant term in
// replica staleness.
func WithSyncInterval(d time.Duration) ReplicatorOption {
	return func(r *Replicator) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRateLimit caps sync rounds per second across backlogs, keeping
// resyncs and catch-up bursts from starving the request path.
func WithRateLimit(roundsPerSecond float64, burst int) ReplicatorOption {
	return func(r *Replicator) {
		if roundsPerSecond > 0 && burst > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(roundsPerSecond), burst)
		}
	}
}

// WithLagFunc wires a per-round progress callback.
func WithLagFunc(fn LagFunc) ReplicatorOption {
	return func(r *Replicator) {
		r.onLag = fn
	}
}

// WithReplicatorLogger sets the replicator's logger.
func WithReplicatorLogger(logger *slog.Logger) ReplicatorOption {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReplicator creates a replicator for one shard's mutation stream.
func NewReplicator(shard model.ShardID, source Source, opts ...ReplicatorOption) *Replicator {
	r := &Replicator{
		shard:    shard,
		source:   source,
		batch:    DefaultBatchSize,
		interval: DefaultSyncInterval,
		logger:   slog.New(slog.DiscardHandler),
		replicas: make(map[string]*replicaState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddReplica registers a replica and starts tailing into it. Names must
// be unique per replicator.
func (r *Replicator) AddReplica(name string, applier Applier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return engine.ErrClosed
	}
	if _, exists := r.replicas[name]; exists {
		return fmt.Errorf("replica %q already registered", name)
	}

	rs := &replicaState{
		name:    name,
		applier: applier,
		stopCh:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	r.replicas[name] = rs

	r.wg.Add(1)
	go r.pump(rs)
	return nil
}

// RemoveReplica stops tailing into the named replica.
func (r *Replicator) RemoveReplica(name string) {
	r.mu.Lock()
	rs, ok := r.replicas[name]
	if ok {
		delete(r.replicas, name)
	}
	r.mu.Unlock()

	if ok {
		close(rs.stopCh)
	}
}

// Notify wakes all pumps immediately instead of waiting out the poll
// interval. Called by the write path after commits when staleness
// matters more than batching.
func (r *Replicator) Notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rs := range r.replicas {
		select {
		case rs.notify <- struct{}{}:
		default:
		}
	}
}

// Replicas returns the registered replica names.
func (r *Replicator) Replicas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.replicas))
	for name := range r.replicas {
		names = append(names, name)
	}
	return names
}

// Close stops every pump and waits for them to exit.
func (r *Replicator) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for name, rs := range r.replicas {
		close(rs.stopCh)
		delete(r.replicas, name)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// pump drives one replica: tail the log, resync on truncation or a
// sequence gap, back off on repeated failure.
func (r *Replicator) pump(rs *replicaState) {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry until removed

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.stopCh:
			return
		case <-ticker.C:
		case <-rs.notify:
		}

		if err := r.syncOnce(rs); err != nil {
			if errors.Is(err, engine.ErrClosed) {
				r.logger.Info("replica closed, stopping pump",
					"shard", uint32(r.shard),
					"replica", rs.name,
				)
				return
			}
			r.logger.Warn("replica sync failed",
				"shard", uint32(r.shard),
				"replica", rs.name,
				"error", err,
			)
			wait := bo.NextBackOff()
			select {
			case <-rs.stopCh:
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if r.onLag != nil {
			pending := r.source.Seq() - rs.applier.LastApplied()
			r.onLag(rs.name, pending, r.stalenessOf(rs))
		}
	}
}

// stalenessOf approximates the primary-side age of the replica's
// position. Fully caught up means zero.
func (r *Replicator) stalenessOf(rs *replicaState) time.Duration {
	type stalenesser interface{ Staleness() time.Duration }
	if s, ok := rs.applier.(stalenesser); ok {
		if r.source.Seq() == rs.applier.LastApplied() {
			return 0
		}
		return s.Staleness()
	}
	return 0
}

// syncOnce replays available mutations into the replica, falling back to
// a snapshot resync when replay cannot proceed. It drains the backlog in
// batches so one round catches a replica up completely.
func (r *Replicator) syncOnce(rs *replicaState) error {
	for {
		if r.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.interval*10)
			err := r.limiter.Wait(ctx)
			cancel()
			if err != nil {
				return err
			}
		}

		muts, err := r.source.MutationsSince(rs.applier.LastApplied(), r.batch)
		if errors.Is(err, engine.ErrLogTruncated) {
			r.logger.Info("replica behind log window, snapshot resync",
				"shard", uint32(r.shard),
				"replica", rs.name,
				"applied", rs.applier.LastApplied(),
			)
			return r.resync(rs)
		}
		if err != nil {
			return err
		}
		if len(muts) == 0 {
			return nil
		}

		for _, mut := range muts {
			err := rs.applier.ApplyMutation(mut)
			var gap *engine.ErrOutOfOrder
			if errors.As(err, &gap) {
				r.logger.Warn("sequence gap on replica, snapshot resync",
					"shard", uint32(r.shard),
					"replica", rs.name,
					"expected", gap.Expected,
					"got", gap.Got,
				)
				return r.resync(rs)
			}
			if err != nil {
				return err
			}
		}
		if len(muts) < r.batch {
			return nil
		}
	}
}

// resync rebuilds the replica from the primary's live set. The sequence
// cut is read before the copy: mutations committed during the copy
// replay idempotently afterwards.
func (r *Replicator) resync(rs *replicaState) error {
	start := time.Now()
	cut := r.source.Seq()

	rs.applier.Clear()

	var loadErr error
	var n int
	r.source.Dump(func(ce model.CacheEntry, fp model.Fingerprint) bool {
		if err := rs.applier.LoadEntry(ce, fp); err != nil {
			loadErr = err
			return false
		}
		n++
		return true
	})
	if loadErr != nil {
		return loadErr
	}

	rs.applier.SetLastApplied(cut, time.Now().UnixNano())

	r.logger.Info("replica resynced",
		"shard", uint32(r.shard),
		"replica", rs.name,
		"entries", n,
		"seq", cut,
		"took", time.Since(start),
	)
	return nil
}
