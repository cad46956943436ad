package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/model"
)

func TestNodeMetaRoundTrip(t *testing.T) {
	meta := nodeMeta{ID: "node-a", Shards: []uint32{0, 3, 7}}

	data, err := encodeMeta(meta)
	require.NoError(t, err)

	got, err := decodeMeta(data)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	_, err = decodeMeta([]byte("not json"))
	assert.Error(t, err)
}

func TestMemberUpdateExtendsTopology(t *testing.T) {
	cfg := testConfig()
	cfg.Shards = 2

	n := newTestNode(t, cfg)

	n.handleMemberUpdate(nodeMeta{ID: "peer", Shards: []uint32{5, 6}})
	assert.ElementsMatch(t,
		[]model.ShardID{0, 1, 5, 6},
		n.Router().Topology(),
	)

	n.handleMemberLeave("peer")
	assert.ElementsMatch(t,
		[]model.ShardID{0, 1},
		n.Router().Topology(),
	)
}

func TestMemberLeavePromotesLocalReplica(t *testing.T) {
	cfg := testConfig()
	cfg.Shards = 1
	cfg.ReplicaShardIDs = []model.ShardID{7}

	n := newTestNode(t, cfg)

	n.handleMemberUpdate(nodeMeta{ID: "peer", Shards: []uint32{7}})
	n.handleMemberLeave("peer")

	// The local replica slot took over shard 7.
	s, ok := n.Shard(7)
	require.True(t, ok)
	assert.True(t, s.IsPrimary())
	assert.Contains(t, n.Router().Topology(), model.ShardID(7))
}

func TestMemberLeaveIgnoresSelf(t *testing.T) {
	n := newTestNode(t, testConfig())

	n.handleMemberUpdate(nodeMeta{ID: n.ID(), Shards: []uint32{0}})
	n.handleMemberLeave(n.ID())
	assert.Contains(t, n.Router().Topology(), model.ShardID(0))
}
