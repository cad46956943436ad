package engine

import "time"

// MetricsObserver defines the interface for observing shard events.
// Implementations receive values only; the engine never depends on their
// behavior and calls them synchronously, so they must be cheap.
type MetricsObserver interface {
	// OnLookup is called when a lookup completes.
	OnLookup(hit bool, candidates int, duration time.Duration)

	// OnInsert is called when an insert is decided.
	OnInsert(outcome AdmitOutcome, sizeBytes int64, evicted int)

	// OnEviction is called when entries are evicted.
	OnEviction(reason EvictionReason, count int, bytes int64)

	// OnSweep is called when a TTL sweep pass completes.
	OnSweep(expired int, duration time.Duration)

	// OnIntegrityRepair is called after a bucket rebuild, with the table
	// index and the number of postings the rebuilt bucket retained.
	OnIntegrityRepair(table int, postings int)

	// OnUsage reports shard occupancy after a mutating operation.
	OnUsage(currentBytes, capacityBytes int64, entries int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnLookup(hit bool, candidates int, duration time.Duration)  {}
func (o *NoopMetricsObserver) OnInsert(outcome AdmitOutcome, sizeBytes int64, evicted int) {}
func (o *NoopMetricsObserver) OnEviction(reason EvictionReason, count int, bytes int64)    {}
func (o *NoopMetricsObserver) OnSweep(expired int, duration time.Duration)                 {}
func (o *NoopMetricsObserver) OnIntegrityRepair(table int, postings int)                   {}
func (o *NoopMetricsObserver) OnUsage(currentBytes, capacityBytes int64, entries int)      {}
