package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
)

type fakeEntry struct {
	id      model.EntryID
	vec     []float32
	payload []byte
}

// fakeClient is an exact-match in-memory Client with per-shard fault
// injection.
type fakeClient struct {
	mu        sync.Mutex
	entries   map[model.ShardID]map[string]fakeEntry
	nextLocal uint32
	fail      map[model.ShardID]error
	lookups   map[model.ShardID]*atomic.Int32
	migrated  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		entries: make(map[model.ShardID]map[string]fakeEntry),
		fail:    make(map[model.ShardID]error),
		lookups: make(map[model.ShardID]*atomic.Int32),
	}
}

func vecKey(vec []float32) string { return fmt.Sprintf("%v", vec) }

func (c *fakeClient) lookupCounter(shard model.ShardID) *atomic.Int32 {
	if _, ok := c.lookups[shard]; !ok {
		c.lookups[shard] = &atomic.Int32{}
	}
	return c.lookups[shard]
}

func (c *fakeClient) Lookup(ctx context.Context, shard model.ShardID, vec []float32, threshold float32) (*model.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lookupCounter(shard).Add(1)
	if err := c.fail[shard]; err != nil {
		return nil, err
	}
	if e, ok := c.entries[shard][vecKey(vec)]; ok {
		return &model.Match{ID: e.id, Payload: e.payload, Candidates: 1}, nil
	}
	return nil, nil
}

func (c *fakeClient) Insert(ctx context.Context, shard model.ShardID, vec []float32, payload []byte) (model.EntryID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail[shard]; err != nil {
		return 0, err
	}
	c.nextLocal++
	id := model.NewEntryID(shard, c.nextLocal)
	if c.entries[shard] == nil {
		c.entries[shard] = make(map[string]fakeEntry)
	}
	c.entries[shard][vecKey(vec)] = fakeEntry{id: id, vec: vec, payload: payload}
	return id, nil
}

func (c *fakeClient) Delete(ctx context.Context, shard model.ShardID, id model.EntryID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail[shard]; err != nil {
		return err
	}
	for key, e := range c.entries[shard] {
		if e.id == id {
			delete(c.entries[shard], key)
			return nil
		}
	}
	return engine.ErrNotFound
}

func (c *fakeClient) InvalidateVector(ctx context.Context, shard model.ShardID, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail[shard]; err != nil {
		return err
	}
	if _, ok := c.entries[shard][vecKey(vec)]; ok {
		delete(c.entries[shard], vecKey(vec))
		return nil
	}
	return engine.ErrNotFound
}

func (c *fakeClient) Migrate(ctx context.Context, from, to model.ShardID, id model.EntryID) (model.EntryID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries[from] {
		if e.id == id {
			c.nextLocal++
			newID := model.NewEntryID(to, c.nextLocal)
			if c.entries[to] == nil {
				c.entries[to] = make(map[string]fakeEntry)
			}
			c.entries[to][key] = fakeEntry{id: newID, vec: e.vec, payload: e.payload}
			delete(c.entries[from], key)
			c.migrated++
			return newID, nil
		}
	}
	return 0, engine.ErrNotFound
}

func (c *fakeClient) shardOf(vec []float32) (model.ShardID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for shard, entries := range c.entries {
		if _, ok := entries[vecKey(vec)]; ok {
			return shard, true
		}
	}
	return 0, false
}

func newTestRouter(t *testing.T, client Client, shards []model.ShardID, opts ...RouterOption) *Router {
	t.Helper()

	p, err := NewPartitioner(8, 4)
	require.NoError(t, err)
	r := NewRouter(p, client, opts...)
	r.SetTopology(shards)
	return r
}

func randomVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestRouterInsertLookupRoundtrip(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0, 1, 2})
	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()

	v := randomVec(rng, 8)
	id, err := r.Insert(ctx, v, []byte("p"), nil)
	require.NoError(t, err)

	match, err := r.Lookup(ctx, v, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, id, match.ID)
	assert.Equal(t, []byte("p"), match.Payload)

	// Routing is deterministic: the entry landed on the ring owner.
	key, err := r.Key(v, nil)
	require.NoError(t, err)
	owner, err := r.Route(key)
	require.NoError(t, err)
	got, ok := client.shardOf(v)
	require.True(t, ok)
	assert.Equal(t, owner, got)
}

func TestRouterMissIsNotError(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0, 1})
	rng := rand.New(rand.NewSource(2))

	match, err := r.Lookup(context.Background(), randomVec(rng, 8), 0.05, nil)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestRouterExplicitKeyAffinity(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0, 1, 2, 3})
	rng := rand.New(rand.NewSource(3))
	ctx := context.Background()

	// Unrelated vectors, same tenant key: same shard.
	v1, v2 := randomVec(rng, 8), randomVec(rng, 8)
	_, err := r.Insert(ctx, v1, nil, []byte("tenant-7"))
	require.NoError(t, err)
	_, err = r.Insert(ctx, v2, nil, []byte("tenant-7"))
	require.NoError(t, err)

	s1, ok := client.shardOf(v1)
	require.True(t, ok)
	s2, ok := client.shardOf(v2)
	require.True(t, ok)
	assert.Equal(t, s1, s2)

	// And the lookup with the same key finds them there.
	match, err := r.Lookup(ctx, v1, 0, []byte("tenant-7"))
	require.NoError(t, err)
	assert.NotNil(t, match)
}

func TestRouterLazyMigrationAfterTopologyChange(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0, 1})
	rng := rand.New(rand.NewSource(4))
	ctx := context.Background()

	// Find a vector whose owner changes when shard 2 joins.
	var v []float32
	var oldOwner model.ShardID
	newRing := NewRing()
	for _, id := range []model.ShardID{0, 1, 2} {
		newRing.AddShard(id, DefaultVirtualNodes)
	}
	for {
		cand := randomVec(rng, 8)
		key, err := r.Key(cand, nil)
		require.NoError(t, err)
		cur, err := r.Route(key)
		require.NoError(t, err)
		next, ok := newRing.Owner(key)
		require.True(t, ok)
		if next != cur {
			v, oldOwner = cand, cur
			break
		}
	}

	_, err := r.Insert(ctx, v, []byte("moved"), nil)
	require.NoError(t, err)

	r.SetTopology([]model.ShardID{0, 1, 2})

	// Served from the previous owner, then migrated off the request path.
	match, err := r.Lookup(ctx, v, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, []byte("moved"), match.Payload)

	key, _ := r.Key(v, nil)
	newOwner, err := r.Route(key)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		shard, ok := client.shardOf(v)
		return ok && shard == newOwner
	}, 2*time.Second, 5*time.Millisecond, "entry should migrate from shard %d to %d", oldOwner, newOwner)

	require.Eventually(t, func() bool {
		return r.Stats().Migrations == 1
	}, time.Second, 5*time.Millisecond)

	// After migration the current owner serves directly.
	match, err = r.Lookup(ctx, v, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, newOwner, match.ID.Shard())
}

func TestRouterFailOpenLookup(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0})
	rng := rand.New(rand.NewSource(5))
	ctx := context.Background()

	client.fail[0] = errors.New("shard wedged")

	match, err := r.Lookup(ctx, randomVec(rng, 8), 0, nil)
	require.NoError(t, err, "fail-open lookup degrades to a miss")
	assert.Nil(t, match)
	assert.Equal(t, uint64(1), r.Stats().FailOpens)
}

func TestRouterFailClosedLookup(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0}, WithFailOpen(false))
	rng := rand.New(rand.NewSource(6))

	client.fail[0] = errors.New("shard wedged")

	_, err := r.Lookup(context.Background(), randomVec(rng, 8), 0, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRouterInsertDoesNotFailOpen(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0})
	rng := rand.New(rand.NewSource(7))

	client.fail[0] = errors.New("shard wedged")

	_, err := r.Insert(context.Background(), randomVec(rng, 8), nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRouterBreakerShortCircuits(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0})
	rng := rand.New(rand.NewSource(8))
	ctx := context.Background()

	client.fail[0] = errors.New("shard wedged")

	for i := 0; i < 10; i++ {
		_, err := r.Lookup(ctx, randomVec(rng, 8), 0, nil)
		require.NoError(t, err) // fail-open
	}

	// The breaker trips at five observed failures; later calls never
	// reach the client.
	assert.Equal(t, int32(5), client.lookupCounter(0).Load())
}

func TestRouterDomainErrorsBypassBreaker(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0})
	rng := rand.New(rand.NewSource(9))
	ctx := context.Background()

	v := randomVec(rng, 8)
	id, err := r.Insert(ctx, v, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, id))

	// Repeated not-found deletes are domain outcomes: the breaker must
	// stay closed and keep passing calls through.
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, r.Delete(ctx, id), engine.ErrNotFound)
	}

	_, err = r.Insert(ctx, v, nil, nil)
	require.NoError(t, err, "breaker must still be closed")
}

func TestRouterInvalidateChecksPreviousOwner(t *testing.T) {
	client := newFakeClient()
	r := newTestRouter(t, client, []model.ShardID{0, 1})
	rng := rand.New(rand.NewSource(10))
	ctx := context.Background()

	// As above: pick a vector that changes owner with the new topology.
	newRing := NewRing()
	for _, id := range []model.ShardID{0, 1, 2} {
		newRing.AddShard(id, DefaultVirtualNodes)
	}
	var v []float32
	for {
		cand := randomVec(rng, 8)
		key, err := r.Key(cand, nil)
		require.NoError(t, err)
		cur, err := r.Route(key)
		require.NoError(t, err)
		next, _ := newRing.Owner(key)
		if next != cur {
			v = cand
			break
		}
	}

	_, err := r.Insert(ctx, v, nil, nil)
	require.NoError(t, err)

	r.SetTopology([]model.ShardID{0, 1, 2})

	require.NoError(t, r.InvalidateVector(ctx, v, nil),
		"invalidation must reach the previous owner before migration")
	_, ok := client.shardOf(v)
	assert.False(t, ok)
}

func TestRouterEmptyTopology(t *testing.T) {
	client := newFakeClient()
	p, err := NewPartitioner(8, 4)
	require.NoError(t, err)
	r := NewRouter(p, client)
	rng := rand.New(rand.NewSource(11))

	_, err = r.Lookup(context.Background(), randomVec(rng, 8), 0, nil)
	assert.ErrorIs(t, err, ErrNoShards)
	_, err = r.Insert(context.Background(), randomVec(rng, 8), nil, nil)
	assert.ErrorIs(t, err, ErrNoShards)
}
