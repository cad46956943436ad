package router

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/model"
)

func TestRingOwnerStable(t *testing.T) {
	build := func() *Ring {
		r := NewRing()
		for id := model.ShardID(0); id < 3; id++ {
			r.AddShard(id, 64)
		}
		return r
	}
	a, b := build(), build()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		key := rng.Uint64()
		ownerA, okA := a.Owner(key)
		ownerB, okB := b.Owner(key)
		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, ownerA, ownerB, "identical rings must agree on key %d", key)
	}
}

func TestRingDistribution(t *testing.T) {
	r := NewRing()
	for id := model.ShardID(0); id < 3; id++ {
		r.AddShard(id, DefaultVirtualNodes)
	}

	counts := make(map[model.ShardID]int)
	rng := rand.New(rand.NewSource(2))
	const n = 30_000
	for i := 0; i < n; i++ {
		owner, ok := r.Owner(rng.Uint64())
		require.True(t, ok)
		counts[owner]++
	}

	for id, c := range counts {
		frac := float64(c) / n
		assert.InDelta(t, 1.0/3, frac, 0.12, "shard %d owns %.3f of keyspace", id, frac)
	}
}

func TestRingAddShardRemapsOnlyToNewShard(t *testing.T) {
	r := NewRing()
	for id := model.ShardID(0); id < 4; id++ {
		r.AddShard(id, DefaultVirtualNodes)
	}

	rng := rand.New(rand.NewSource(3))
	keys := make([]uint64, 10_000)
	before := make([]model.ShardID, len(keys))
	for i := range keys {
		keys[i] = rng.Uint64()
		owner, ok := r.Owner(keys[i])
		require.True(t, ok)
		before[i] = owner
	}

	r.AddShard(4, DefaultVirtualNodes)

	moved := 0
	for i, key := range keys {
		after, ok := r.Owner(key)
		require.True(t, ok)
		if after != before[i] {
			moved++
			// Consistent hashing: a new shard only steals keys, it never
			// shuffles them between existing shards.
			assert.Equal(t, model.ShardID(4), after)
		}
	}

	frac := float64(moved) / float64(len(keys))
	assert.InDelta(t, 1.0/5, frac, 0.1, "moved fraction %.3f", frac)
}

func TestRingRemoveShardRedistributes(t *testing.T) {
	r := NewRing()
	for id := model.ShardID(0); id < 3; id++ {
		r.AddShard(id, DefaultVirtualNodes)
	}

	rng := rand.New(rand.NewSource(4))
	keys := make([]uint64, 5000)
	before := make([]model.ShardID, len(keys))
	for i := range keys {
		keys[i] = rng.Uint64()
		before[i], _ = r.Owner(keys[i])
	}

	r.RemoveShard(1)
	assert.Equal(t, 2, r.ShardCount())

	for i, key := range keys {
		after, ok := r.Owner(key)
		require.True(t, ok)
		assert.NotEqual(t, model.ShardID(1), after)
		if before[i] != 1 {
			assert.Equal(t, before[i], after, "survivor keys must not move")
		}
	}
}

func TestRingOwnersDistinct(t *testing.T) {
	r := NewRing()
	for id := model.ShardID(0); id < 4; id++ {
		r.AddShard(id, 32)
	}

	owners := r.Owners(12345, 3)
	require.Len(t, owners, 3)

	seen := make(map[model.ShardID]bool)
	for _, id := range owners {
		assert.False(t, seen[id], "owners must be distinct")
		seen[id] = true
	}

	first, ok := r.Owner(12345)
	require.True(t, ok)
	assert.Equal(t, first, owners[0])

	// Asking for more owners than shards returns them all.
	owners = r.Owners(12345, 10)
	assert.Len(t, owners, 4)
}

func TestRingCloneIsIndependent(t *testing.T) {
	r := NewRing()
	r.AddShard(0, 32)
	r.AddShard(1, 32)

	c := r.Clone()
	r.RemoveShard(0)

	assert.Equal(t, 1, r.ShardCount())
	assert.Equal(t, 2, c.ShardCount())
	assert.Equal(t, []model.ShardID{0, 1}, c.Shards())
}

func TestRingEmpty(t *testing.T) {
	r := NewRing()
	_, ok := r.Owner(1)
	assert.False(t, ok)
	assert.Nil(t, r.Owners(1, 2))
	assert.Empty(t, r.Shards())
}
