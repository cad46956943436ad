package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
	"github.com/hupe1980/simcache/router"
)

// LocalClient executes router operations against shards hosted in this
// process. Unhosted shards resolve to router.ErrUnavailable so the
// routing layer's breaker and fail-open policy apply uniformly to local
// and (future) remote shards.
type LocalClient struct {
	mu       sync.RWMutex
	primary  map[model.ShardID]*engine.Shard
	replicas map[model.ShardID][]*engine.Shard
}

// NewLocalClient creates an empty client; shards are registered as the
// node assembles them.
func NewLocalClient() *LocalClient {
	return &LocalClient{
		primary:  make(map[model.ShardID]*engine.Shard),
		replicas: make(map[model.ShardID][]*engine.Shard),
	}
}

// Register installs s as the serving primary for its shard ID,
// replacing any previous registration.
func (c *LocalClient) Register(s *engine.Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary[s.ID()] = s
}

// RegisterReplica installs s as a local read fallback for its shard ID.
func (c *LocalClient) RegisterReplica(s *engine.Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicas[s.ID()] = append(c.replicas[s.ID()], s)
}

// Deregister removes every registration for the shard ID.
func (c *LocalClient) Deregister(id model.ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.primary, id)
	delete(c.replicas, id)
}

// DeregisterReplica removes one replica registration, keeping the rest.
func (c *LocalClient) DeregisterReplica(s *engine.Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := c.replicas[s.ID()]
	for i, r := range slots {
		if r == s {
			c.replicas[s.ID()] = append(slots[:i:i], slots[i+1:]...)
			return
		}
	}
}

func (c *LocalClient) shard(id model.ShardID) (*engine.Shard, error) {
	c.mu.RLock()
	s, ok := c.primary[id]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: shard %d not hosted", router.ErrUnavailable, id)
	}
	return s, nil
}

// Lookup serves a read from the shard's primary, degrading to a local
// replica when the primary is gone. Replica-served matches carry their
// staleness.
func (c *LocalClient) Lookup(ctx context.Context, shard model.ShardID, vec []float32, threshold float32) (*model.Match, error) {
	c.mu.RLock()
	primary := c.primary[shard]
	slots := c.replicas[shard]
	c.mu.RUnlock()

	if primary != nil {
		m, err := primary.Lookup(ctx, vec, threshold)
		if err == nil || !errors.Is(err, engine.ErrClosed) {
			return m, err
		}
	}

	for _, replica := range slots {
		m, err := replica.Lookup(ctx, vec, threshold)
		if err == nil || !errors.Is(err, engine.ErrClosed) {
			return m, err
		}
	}
	return nil, fmt.Errorf("%w: shard %d not hosted", router.ErrUnavailable, shard)
}

// Insert routes a write to the shard's primary. Writes never fall back
// to replicas.
func (c *LocalClient) Insert(ctx context.Context, shard model.ShardID, vec []float32, payload []byte) (model.EntryID, error) {
	s, err := c.shard(shard)
	if err != nil {
		return 0, err
	}
	return s.Insert(ctx, vec, payload)
}

// Delete removes an entry on the shard's primary.
func (c *LocalClient) Delete(ctx context.Context, shard model.ShardID, id model.EntryID) error {
	s, err := c.shard(shard)
	if err != nil {
		return err
	}
	return s.Delete(ctx, id)
}

// InvalidateVector removes the exact entry for vec on the shard's
// primary.
func (c *LocalClient) InvalidateVector(ctx context.Context, shard model.ShardID, vec []float32) error {
	s, err := c.shard(shard)
	if err != nil {
		return err
	}
	return s.InvalidateVector(ctx, vec)
}

// Migrate copies an entry from one hosted shard to another and removes
// the original. Used by the router's lazy migration after a topology
// change.
func (c *LocalClient) Migrate(ctx context.Context, from, to model.ShardID, id model.EntryID) (model.EntryID, error) {
	src, err := c.shard(from)
	if err != nil {
		return 0, err
	}
	dst, err := c.shard(to)
	if err != nil {
		return 0, err
	}

	ce, ok := src.Get(id)
	if !ok {
		return 0, engine.ErrNotFound
	}

	newID, err := dst.Insert(ctx, ce.Vector, ce.Payload)
	if err != nil {
		return 0, err
	}

	// Best effort: a failed source delete leaves a duplicate the source's
	// eviction will reclaim.
	if err := src.Delete(ctx, id); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return newID, err
	}
	return newID, nil
}
