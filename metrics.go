package simcache

import (
	"github.com/hupe1980/simcache/engine"
)

// Stats is a point-in-time summary aggregated across shards. Counters
// are monotonic since cache creation except Entries and CurrentBytes,
// which are gauges.
type Stats struct {
	NodeID string

	Entries       int
	CurrentBytes  int64
	CapacityBytes int64

	Hits             uint64
	Misses           uint64
	Inserts          uint64
	Evictions        uint64
	Rejections       uint64
	IntegrityRepairs uint64

	Shards     int
	Migrations uint64
	FailOpens  uint64
	Members    int

	// PerShard carries the unaggregated counters, one per hosted
	// primary, in unspecified order.
	PerShard []engine.ShardStats
}

// HitRate returns hits/(hits+misses), or zero before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats gathers counters from every hosted shard and the router.
func (c *Cache) Stats() Stats {
	ns := c.node.Stats()

	stats := Stats{
		NodeID:     ns.NodeID,
		Shards:     ns.Router.Shards,
		Migrations: ns.Router.Migrations,
		FailOpens:  ns.Router.FailOpens,
		Members:    ns.Members,
		PerShard:   ns.Shards,
	}
	for _, s := range ns.Shards {
		stats.Entries += s.Entries
		stats.CurrentBytes += s.CurrentBytes
		stats.CapacityBytes += s.CapacityBytes
		stats.Hits += s.Hits
		stats.Misses += s.Misses
		stats.Inserts += s.Inserts
		stats.Evictions += s.Evictions
		stats.Rejections += s.Rejections
		stats.IntegrityRepairs += s.IntegrityRepairs
	}
	return stats
}
