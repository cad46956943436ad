package router

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/simcache/model"
)

// DefaultVirtualNodes is the number of ring points per shard. 128 keeps
// the keyspace split within a few percent of even for small shard counts.
const DefaultVirtualNodes = 128

// Ring is a consistent-hash ring over shard IDs. Adding or removing a
// shard remaps only the keyspace fraction adjacent to its virtual nodes,
// which is what makes lazy migration viable.
type Ring struct {
	mu          sync.RWMutex
	points      []uint64
	pointOwner  map[uint64]model.ShardID
	shardPoints map[model.ShardID][]uint64
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{
		pointOwner:  make(map[uint64]model.ShardID),
		shardPoints: make(map[model.ShardID][]uint64),
	}
}

// AddShard places virtualNodes ring points for the shard. Zero or
// negative counts use DefaultVirtualNodes. Re-adding a present shard is
// a no-op.
func (r *Ring) AddShard(id model.ShardID, virtualNodes int) {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shardPoints[id]; exists {
		return
	}

	points := make([]uint64, 0, virtualNodes)
	for i := 0; i < virtualNodes; i++ {
		point := ringPoint(fmt.Sprintf("shard-%d-vnode-%d", id, i))
		r.points = append(r.points, point)
		r.pointOwner[point] = id
		points = append(points, point)
	}
	r.shardPoints[id] = points

	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// RemoveShard drops the shard's ring points.
func (r *Ring) RemoveShard(id model.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	points, exists := r.shardPoints[id]
	if !exists {
		return
	}

	drop := make(map[uint64]bool, len(points))
	for _, p := range points {
		drop[p] = true
		delete(r.pointOwner, p)
	}

	kept := make([]uint64, 0, len(r.points)-len(points))
	for _, p := range r.points {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	r.points = kept
	delete(r.shardPoints, id)
}

// Owner returns the shard owning key: the first ring point at or after
// it, wrapping around. False when the ring is empty.
func (r *Ring) Owner(key uint64) (model.ShardID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return 0, false
	}
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= key
	})
	if idx >= len(r.points) {
		idx = 0
	}
	return r.pointOwner[r.points[idx]], true
}

// Owners walks clockwise from key collecting up to n distinct shards,
// the owner first. Used to place a shard's replica set.
func (r *Ring) Owners(key uint64, n int) []model.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= key
	})
	if idx >= len(r.points) {
		idx = 0
	}

	owners := make([]model.ShardID, 0, n)
	seen := make(map[model.ShardID]bool, n)
	for i := 0; i < len(r.points) && len(owners) < n; i++ {
		owner := r.pointOwner[r.points[(idx+i)%len(r.points)]]
		if !seen[owner] {
			owners = append(owners, owner)
			seen[owner] = true
		}
	}
	return owners
}

// Shards returns the shard IDs on the ring, sorted.
func (r *Ring) Shards() []model.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]model.ShardID, 0, len(r.shardPoints))
	for id := range r.shardPoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ShardCount returns the number of shards on the ring.
func (r *Ring) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shardPoints)
}

// Clone returns an independent copy, used to retain the previous
// topology while a new one takes over.
func (r *Ring) Clone() *Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := NewRing()
	c.points = append([]uint64(nil), r.points...)
	for p, id := range r.pointOwner {
		c.pointOwner[p] = id
	}
	for id, points := range r.shardPoints {
		c.shardPoints[id] = append([]uint64(nil), points...)
	}
	return c
}

// ringPoint hashes a virtual node label onto the ring.
func ringPoint(label string) uint64 {
	sum := sha256.Sum256([]byte(label))
	return binary.BigEndian.Uint64(sum[:8])
}
