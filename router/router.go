package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
)

// ErrUnavailable marks a shard that cannot serve right now: circuit
// open, deadline exceeded, or mid-promotion. Retryable; lookups
// configured fail-open translate it into a miss instead.
var ErrUnavailable = errors.New("shard unavailable")

// ErrNoShards is returned when the ring is empty.
var ErrNoShards = errors.New("no shards on the ring")

// Client executes operations against an owning shard. The in-process
// implementation lives in package cluster; a remote one would carry the
// same contract over the network.
type Client interface {
	Lookup(ctx context.Context, shard model.ShardID, vec []float32, threshold float32) (*model.Match, error)
	Insert(ctx context.Context, shard model.ShardID, vec []float32, payload []byte) (model.EntryID, error)
	Delete(ctx context.Context, shard model.ShardID, id model.EntryID) error
	InvalidateVector(ctx context.Context, shard model.ShardID, vec []float32) error

	// Migrate copies an entry between shards and removes the original,
	// the lazy-migration step after a topology change.
	Migrate(ctx context.Context, from, to model.ShardID, id model.EntryID) (model.EntryID, error)
}

// Router maps vectors to owning shards over a consistent-hash ring and
// shields callers from shard failures with per-shard circuit breakers.
//
// One previous topology generation is retained: a lookup that misses on
// the current owner retries the previous owner and, on a hit there,
// schedules the entry's migration. Entries stranded more than one
// topology change back are abandoned to eviction, which cache semantics
// permit.
type Router struct {
	partitioner *Partitioner
	client      Client

	mu       sync.RWMutex
	current  *Ring
	previous *Ring

	breakerMu sync.Mutex
	breakers  map[model.ShardID]*gobreaker.CircuitBreaker

	failOpen     bool
	onFailOpen   func()
	timeout      time.Duration
	virtualNodes int
	pool         *engine.WorkerPool
	logger       *slog.Logger

	migrations atomic.Uint64
	failOpens  atomic.Uint64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFailOpen controls lookup behavior when a shard is unavailable:
// true (the default) degrades to a miss, false surfaces ErrUnavailable.
func WithFailOpen(failOpen bool) RouterOption {
	return func(r *Router) {
		r.failOpen = failOpen
	}
}

// WithFailOpenFunc wires a callback invoked each time a lookup fails
// open to a miss.
func WithFailOpenFunc(fn func()) RouterOption {
	return func(r *Router) {
		r.onFailOpen = fn
	}
}

// WithRequestTimeout bounds each shard call.
func WithRequestTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithVirtualNodes sets ring points per shard for subsequent topology
// builds.
func WithVirtualNodes(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.virtualNodes = n
		}
	}
}

// WithMigrationPool runs lazy migrations on a shared worker pool.
func WithMigrationPool(pool *engine.WorkerPool) RouterOption {
	return func(r *Router) {
		r.pool = pool
	}
}

// WithRouterLogger sets the router's logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates a router with an empty topology; call SetTopology
// before serving.
func NewRouter(partitioner *Partitioner, client Client, opts ...RouterOption) *Router {
	r := &Router{
		partitioner:  partitioner,
		client:       client,
		current:      NewRing(),
		breakers:     make(map[model.ShardID]*gobreaker.CircuitBreaker),
		failOpen:     true,
		timeout:      2 * time.Second,
		virtualNodes: DefaultVirtualNodes,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTopology replaces the ring with the given shard set. The outgoing
// ring is retained as the previous generation for lazy migration; the
// one before that is discarded.
func (r *Router) SetTopology(shards []model.ShardID) {
	ring := NewRing()
	for _, id := range shards {
		ring.AddShard(id, r.virtualNodes)
	}

	r.mu.Lock()
	if r.current.ShardCount() > 0 {
		r.previous = r.current
	}
	r.current = ring
	r.mu.Unlock()

	r.logger.Info("topology updated", "shards", len(shards))
}

// Topology returns the current shard set.
func (r *Router) Topology() []model.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Shards()
}

// Key derives the partition key for a vector, or hashes an explicit
// caller key when one is supplied.
func (r *Router) Key(vec []float32, explicit []byte) (uint64, error) {
	if len(explicit) > 0 {
		return KeyFromBytes(explicit), nil
	}
	return r.partitioner.Key(vec)
}

// Route resolves the owning shard for a partition key.
func (r *Router) Route(key uint64) (model.ShardID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.current.Owner(key)
	if !ok {
		return 0, ErrNoShards
	}
	return owner, nil
}

// previousOwner resolves the key's owner one topology generation back;
// ok is false when there is no previous generation or it agrees with
// current.
func (r *Router) previousOwner(key uint64, current model.ShardID) (model.ShardID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.previous == nil {
		return 0, false
	}
	prev, ok := r.previous.Owner(key)
	if !ok || prev == current {
		return 0, false
	}
	return prev, true
}

// Lookup routes the query to its owning shard; on miss after a topology
// change it retries the previous owner and schedules a lazy migration
// for anything found there.
func (r *Router) Lookup(ctx context.Context, vec []float32, threshold float32, explicitKey []byte) (*model.Match, error) {
	key, err := r.Key(vec, explicitKey)
	if err != nil {
		return nil, err
	}
	owner, err := r.Route(key)
	if err != nil {
		return nil, err
	}

	var match *model.Match
	err = r.execute(ctx, owner, func(ctx context.Context) error {
		m, err := r.client.Lookup(ctx, owner, vec, threshold)
		match = m
		return err
	})
	if err != nil {
		return nil, r.lookupFailure(owner, err)
	}
	if match != nil {
		return match, nil
	}

	prev, ok := r.previousOwner(key, owner)
	if !ok {
		return nil, nil
	}

	err = r.execute(ctx, prev, func(ctx context.Context) error {
		m, err := r.client.Lookup(ctx, prev, vec, threshold)
		match = m
		return err
	})
	if err != nil {
		// The entry may exist on the unreachable previous owner; a miss
		// is still the correct degraded answer.
		return nil, r.lookupFailure(prev, err)
	}
	if match != nil {
		r.scheduleMigration(prev, owner, match.ID)
	}
	return match, nil
}

// lookupFailure applies the fail-open policy to an unavailable shard.
func (r *Router) lookupFailure(shard model.ShardID, err error) error {
	if !errors.Is(err, ErrUnavailable) {
		return err
	}
	if !r.failOpen {
		return err
	}
	r.failOpens.Add(1)
	if r.onFailOpen != nil {
		r.onFailOpen()
	}
	r.logger.Warn("lookup failing open to miss",
		"shard", uint32(shard),
		"error", err,
	)
	return nil
}

// Insert routes a write to the key's owning shard. Writes do not fail
// open: the caller hears ErrUnavailable and decides whether to retry or
// skip caching.
func (r *Router) Insert(ctx context.Context, vec []float32, payload []byte, explicitKey []byte) (model.EntryID, error) {
	key, err := r.Key(vec, explicitKey)
	if err != nil {
		return 0, err
	}
	owner, err := r.Route(key)
	if err != nil {
		return 0, err
	}

	var id model.EntryID
	err = r.execute(ctx, owner, func(ctx context.Context) error {
		got, err := r.client.Insert(ctx, owner, vec, payload)
		id = got
		return err
	})
	return id, err
}

// Delete removes an entry. The ID names its shard directly, so deletes
// skip the ring.
func (r *Router) Delete(ctx context.Context, id model.EntryID) error {
	return r.execute(ctx, id.Shard(), func(ctx context.Context) error {
		return r.client.Delete(ctx, id.Shard(), id)
	})
}

// InvalidateVector removes the exact entry for vec wherever it lives:
// the current owner first, then the previous one, since the entry may
// not have migrated yet.
func (r *Router) InvalidateVector(ctx context.Context, vec []float32, explicitKey []byte) error {
	key, err := r.Key(vec, explicitKey)
	if err != nil {
		return err
	}
	owner, err := r.Route(key)
	if err != nil {
		return err
	}

	err = r.execute(ctx, owner, func(ctx context.Context) error {
		return r.client.InvalidateVector(ctx, owner, vec)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return err
	}

	prev, ok := r.previousOwner(key, owner)
	if !ok {
		return err
	}
	return r.execute(ctx, prev, func(ctx context.Context) error {
		return r.client.InvalidateVector(ctx, prev, vec)
	})
}

// scheduleMigration moves an entry found on its previous owner to the
// current one, off the request path. Best effort: a failed migration
// leaves the entry where it was, to be found the same way next time.
func (r *Router) scheduleMigration(from, to model.ShardID, id model.EntryID) {
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		newID, err := r.client.Migrate(ctx, from, to, id)
		if err != nil {
			r.logger.Warn("lazy migration failed",
				"from", uint32(from),
				"to", uint32(to),
				"id", id.String(),
				"error", err,
			)
			return
		}
		r.migrations.Add(1)
		r.logger.Debug("entry migrated",
			"from", uint32(from),
			"to", uint32(to),
			"id", id.String(),
			"new_id", newID.String(),
		)
	}

	if r.pool == nil || !r.pool.TrySubmit(job) {
		engine.GoSafe(r.logger, job)
	}
}

// execute runs one shard call under its circuit breaker and timeout.
// Domain outcomes (not found, capacity, dimension) pass through without
// counting against the breaker; only availability failures trip it.
func (r *Router) execute(ctx context.Context, shard model.ShardID, fn func(context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var domainErr error
	_, err := r.breaker(shard).Execute(func() (any, error) {
		err := fn(ctx)
		if err != nil && !isAvailabilityFailure(err) {
			domainErr = err
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: shard %d circuit open", ErrUnavailable, shard)
		}
		return fmt.Errorf("%w: shard %d: %v", ErrUnavailable, shard, err)
	}
	return domainErr
}

// isAvailabilityFailure classifies errors that should count against a
// shard's circuit breaker and be retryable by callers.
func isAvailabilityFailure(err error) bool {
	switch {
	case errors.Is(err, engine.ErrClosed),
		errors.Is(err, engine.ErrNotPrimary),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}

	var capErr *engine.ErrCapacityExceeded
	var dimErr *engine.ErrDimensionMismatch
	if errors.Is(err, engine.ErrNotFound) ||
		errors.Is(err, engine.ErrInvalidVector) ||
		errors.As(err, &capErr) ||
		errors.As(err, &dimErr) {
		return false
	}

	// Unknown errors count as availability failures: a persistently
	// failing shard must trip its breaker.
	return true
}

// breaker returns the shard's circuit breaker, creating it on first use.
func (r *Router) breaker(shard model.ShardID) *gobreaker.CircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()

	if cb, ok := r.breakers[shard]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("shard-%d", shard),
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	r.breakers[shard] = cb
	return cb
}

// RouterStats is a point-in-time summary of routing activity.
type RouterStats struct {
	Shards     int
	Migrations uint64
	FailOpens  uint64
}

// Stats gathers the router's counters.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	shards := r.current.ShardCount()
	r.mu.RUnlock()

	return RouterStats{
		Shards:     shards,
		Migrations: r.migrations.Load(),
		FailOpens:  r.failOpens.Load(),
	}
}
