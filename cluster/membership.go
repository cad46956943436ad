package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/hupe1980/simcache/codec"
	"github.com/hupe1980/simcache/model"
)

// MembershipConfig configures gossip membership.
type MembershipConfig struct {
	// BindAddr and BindPort are the gossip listen address. Zero values
	// keep memberlist's LAN defaults.
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort override what is gossiped to
	// peers, for NATed deployments.
	AdvertiseAddr string
	AdvertisePort int

	// Join is the set of seed addresses to contact on start. Empty
	// bootstraps a new cluster of one.
	Join []string

	// LeaveTimeout bounds the graceful-leave broadcast on Close.
	LeaveTimeout time.Duration
}

// nodeMeta is the payload gossiped with each member: who it is and
// which shards it serves as primary. It must fit memberlist's meta
// limit, which a plain ID plus a few hundred shard IDs does easily.
type nodeMeta struct {
	ID     string   `json:"id"`
	Shards []uint32 `json:"shards"`
}

func encodeMeta(m nodeMeta) ([]byte, error) {
	return codec.Default.Marshal(m)
}

func decodeMeta(data []byte) (nodeMeta, error) {
	var m nodeMeta
	if err := codec.Default.Unmarshal(data, &m); err != nil {
		return nodeMeta{}, err
	}
	return m, nil
}

// Membership ties a node into a gossip cluster: join/leave/update
// events repoint the router ring, and the loss of a shard's primary
// triggers local promotion when this node holds a replica.
type Membership struct {
	node   *Node
	logger *slog.Logger
	meta   []byte
	list   *memberlist.Memberlist

	leaveTimeout time.Duration
}

func newMembership(n *Node, cfg MembershipConfig) (*Membership, error) {
	hosted := n.hostedShards()
	shards := make([]uint32, len(hosted))
	for i, id := range hosted {
		shards[i] = uint32(id)
	}
	meta, err := encodeMeta(nodeMeta{ID: n.id, Shards: shards})
	if err != nil {
		return nil, fmt.Errorf("cluster: encode member meta: %w", err)
	}

	m := &Membership{
		node:         n,
		logger:       n.logger,
		meta:         meta,
		leaveTimeout: cfg.LeaveTimeout,
	}
	if m.leaveTimeout <= 0 {
		m.leaveTimeout = 5 * time.Second
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = n.id
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlCfg.BindPort = cfg.BindPort
	}
	if cfg.AdvertiseAddr != "" {
		mlCfg.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.AdvertisePort != 0 {
		mlCfg.AdvertisePort = cfg.AdvertisePort
	}
	mlCfg.Delegate = m
	mlCfg.Events = m
	mlCfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: create memberlist: %w", err)
	}
	m.list = list

	if len(cfg.Join) > 0 {
		if _, err := list.Join(cfg.Join); err != nil {
			_ = list.Shutdown()
			return nil, fmt.Errorf("cluster: join %v: %w", cfg.Join, err)
		}
	}
	return m, nil
}

// Members returns the current gossip member count.
func (m *Membership) Members() int {
	return m.list.NumMembers()
}

// Close broadcasts a graceful leave and shuts the gossip listener down.
func (m *Membership) Close(ctx context.Context) error {
	timeout := m.leaveTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if err := m.list.Leave(timeout); err != nil {
		m.logger.Warn("gossip leave failed", "error", err)
	}
	return m.list.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (m *Membership) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		m.logger.Warn("member meta exceeds gossip limit", "size", len(m.meta), "limit", limit)
		return nil
	}
	return m.meta
}

// NotifyMsg implements memberlist.Delegate. User messages are unused;
// all state rides on member meta.
func (m *Membership) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (m *Membership) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

// NotifyJoin implements memberlist.EventDelegate.
func (m *Membership) NotifyJoin(peer *memberlist.Node) {
	meta, err := decodeMeta(peer.Meta)
	if err != nil {
		m.logger.Warn("undecodable member meta on join", "member", peer.Name, "error", err)
		return
	}
	m.logger.Info("member joined", "member", meta.ID, "shards", len(meta.Shards))
	m.node.handleMemberUpdate(meta)
}

// NotifyUpdate implements memberlist.EventDelegate.
func (m *Membership) NotifyUpdate(peer *memberlist.Node) {
	meta, err := decodeMeta(peer.Meta)
	if err != nil {
		m.logger.Warn("undecodable member meta on update", "member", peer.Name, "error", err)
		return
	}
	m.node.handleMemberUpdate(meta)
}

// NotifyLeave implements memberlist.EventDelegate.
func (m *Membership) NotifyLeave(peer *memberlist.Node) {
	meta, err := decodeMeta(peer.Meta)
	if err != nil {
		// The name doubles as the ID, so a lost meta still removes the
		// member.
		meta = nodeMeta{ID: peer.Name}
	}
	m.logger.Info("member left", "member", meta.ID)
	m.node.handleMemberLeave(meta.ID)
}

// handleMemberUpdate records a member's shard assignment and repoints
// the ring to the union of every member's shards.
func (n *Node) handleMemberUpdate(meta nodeMeta) {
	shards := make([]model.ShardID, len(meta.Shards))
	for i, s := range meta.Shards {
		shards[i] = model.ShardID(s)
	}

	n.membersMu.Lock()
	n.members[meta.ID] = shards
	n.membersMu.Unlock()

	n.router.SetTopology(n.clusterShards())
}

// handleMemberLeave drops a member, promotes local replicas for any
// shard whose primary it was, and repoints the ring.
func (n *Node) handleMemberLeave(id string) {
	if id == n.id {
		return
	}

	n.membersMu.Lock()
	lost := n.members[id]
	delete(n.members, id)
	n.membersMu.Unlock()

	for _, shard := range lost {
		n.mu.Lock()
		_, havePrimary := n.primaries[shard]
		haveReplica := len(n.replicas[shard]) > 0
		n.mu.Unlock()

		if !havePrimary && haveReplica {
			if err := n.Promote(shard); err != nil {
				n.logger.Warn("failover promotion failed",
					"shard", uint32(shard),
					"error", err,
				)
			}
		}
	}

	n.router.SetTopology(n.clusterShards())
}

// clusterShards is the union of locally hosted primaries and every
// member's announced shards, sorted for a deterministic ring.
func (n *Node) clusterShards() []model.ShardID {
	seen := make(map[model.ShardID]struct{})
	for _, id := range n.hostedShards() {
		seen[id] = struct{}{}
	}

	n.membersMu.Lock()
	for _, shards := range n.members {
		for _, id := range shards {
			seen[id] = struct{}{}
		}
	}
	n.membersMu.Unlock()

	ids := make([]model.ShardID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
