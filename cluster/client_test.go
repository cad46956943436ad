package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/distance"
	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
	"github.com/hupe1980/simcache/replication"
	"github.com/hupe1980/simcache/router"
)

func newClientShard(t *testing.T, id model.ShardID, opts ...engine.ShardOption) *engine.Shard {
	t.Helper()

	s, err := engine.NewShard(engine.ShardConfig{
		ID:            id,
		Dimension:     4,
		Metric:        distance.MetricCosine,
		Tables:        2,
		Hyperplanes:   4,
		CapacityBytes: 1 << 16,
		Seed:          9,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLocalClientUnhostedShard(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	_, err := c.Lookup(ctx, 3, []float32{1, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, router.ErrUnavailable)

	_, err = c.Insert(ctx, 3, []float32{1, 0, 0, 0}, nil)
	assert.ErrorIs(t, err, router.ErrUnavailable)

	err = c.Delete(ctx, 3, model.NewEntryID(3, 1))
	assert.ErrorIs(t, err, router.ErrUnavailable)
}

func TestLocalClientMigrate(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	s1 := newClientShard(t, 1)
	s2 := newClientShard(t, 2)
	c.Register(s1)
	c.Register(s2)

	vec := []float32{0, 1, 0, 0}
	id, err := c.Insert(ctx, 1, vec, []byte("moving"))
	require.NoError(t, err)

	newID, err := c.Migrate(ctx, 1, 2, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, newID.Shard())

	// The original is gone; the copy serves from its new home.
	_, ok := s1.Get(id)
	assert.False(t, ok)

	m, err := s2.Lookup(ctx, vec, 0)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []byte("moving"), m.Payload)

	_, err = c.Migrate(ctx, 1, 2, id)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestLocalClientReplicaFallback(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	primary := newClientShard(t, 1)
	replica := newClientShard(t, 1, engine.WithReplicaRole())
	c.Register(primary)
	c.RegisterReplica(replica)

	vec := []float32{0, 0, 1, 0}
	_, err := primary.Insert(ctx, vec, []byte("fallback"))
	require.NoError(t, err)

	rep := replication.NewReplicator(1, primary, replication.WithSyncInterval(2*time.Millisecond))
	defer rep.Close()
	require.NoError(t, rep.AddReplica("r1", replica))
	require.Eventually(t, func() bool {
		return replica.LastApplied() == primary.Seq()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, primary.Close())

	m, err := c.Lookup(ctx, 1, vec, 0)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []byte("fallback"), m.Payload)
	assert.Positive(t, m.Staleness, "replica-served reads carry staleness")
}
