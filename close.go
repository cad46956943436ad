package simcache

import "context"

// Close releases the cache: replication pumps stop first, then shards
// and the worker pool. Writes after Close fail with ErrUnavailable;
// fail-open lookups degrade to misses. Idempotent.
func (c *Cache) Close(ctx context.Context) error {
	return c.node.Close(ctx)
}
