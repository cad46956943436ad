package simcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
	"github.com/hupe1980/simcache/testutil"
)

type syncRecorder struct {
	mu       sync.Mutex
	caughtUp map[model.ShardID]bool
}

func (r *syncRecorder) ShardObserver(model.ShardID) engine.MetricsObserver { return nil }

func (r *syncRecorder) OnReplicationLag(shard model.ShardID, replica string, pending uint64, staleness time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caughtUp == nil {
		r.caughtUp = make(map[model.ShardID]bool)
	}
	if pending == 0 {
		r.caughtUp[shard] = true
	}
}

func (r *syncRecorder) OnRouteFailOpen() {}

func (r *syncRecorder) waitCaughtUp(t *testing.T, shard model.ShardID) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.caughtUp[shard]
	}, 2*time.Second, 5*time.Millisecond, "replica never caught up")
}

func TestCacheCloseIdempotent(t *testing.T) {
	c, err := New(WithDimension(8), WithCapacity(1<<20))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestCacheOperationsAfterClose(t *testing.T) {
	c, err := New(WithDimension(8), WithCapacity(1<<20))
	require.NoError(t, err)

	ctx := context.Background()
	vec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	_, err = c.Insert(ctx, vec, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))

	_, err = c.Insert(ctx, vec, []byte("y"))
	assert.ErrorIs(t, err, ErrUnavailable)

	// Reads degrade to misses under the fail-open default.
	res, err := c.Lookup(ctx, vec)
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestCachePromotion(t *testing.T) {
	rec := &syncRecorder{}
	c := testCache(t,
		WithReplicas(1),
		WithSyncInterval(2*time.Millisecond),
		WithObserver(rec),
	)
	rng := testutil.NewRNG(10)
	ctx := context.Background()

	vectors := rng.UnitVectors(10, 8)
	for i, v := range vectors {
		_, err := c.Insert(ctx, v, []byte{byte(i)})
		require.NoError(t, err)
	}
	c.Sync()
	rec.waitCaughtUp(t, 0)

	require.NoError(t, c.Promote(0))

	for i, v := range vectors {
		res, err := c.Lookup(ctx, v)
		require.NoError(t, err)
		require.True(t, res.Hit, "vector %d lost in promotion", i)
		assert.Equal(t, []byte{byte(i)}, res.Payload)
	}

	_, err := c.Insert(ctx, rng.UnitVector(8), []byte("post-promotion"))
	require.NoError(t, err)
}

func TestCacheReplicaStaleness(t *testing.T) {
	rec := &syncRecorder{}
	c := testCache(t,
		WithReplicas(1),
		WithSyncInterval(2*time.Millisecond),
		WithStalenessBound(time.Nanosecond),
		WithObserver(rec),
	)
	rng := testutil.NewRNG(11)
	ctx := context.Background()

	vec := rng.UnitVector(8)
	_, err := c.Insert(ctx, vec, []byte("replicated"))
	require.NoError(t, err)
	c.Sync()
	rec.waitCaughtUp(t, 0)

	// With the primary gone, the replica serves the read and reports its
	// lag. Any positive lag trips the nanosecond bound.
	primary, ok := c.Node().Shard(0)
	require.True(t, ok)
	require.NoError(t, primary.Close())

	res, err := c.Lookup(ctx, vec)
	require.NoError(t, err)
	require.True(t, res.Hit)
	assert.Equal(t, []byte("replicated"), res.Payload)
	assert.Positive(t, res.Staleness)
	assert.True(t, res.StalenessExceeded)
}

func TestCacheFailClosed(t *testing.T) {
	c := testCache(t, WithFailOpen(false))
	ctx := context.Background()

	primary, ok := c.Node().Shard(0)
	require.True(t, ok)
	require.NoError(t, primary.Close())

	_, err := c.Lookup(ctx, []float32{1, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnavailable)
}
