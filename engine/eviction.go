package engine

import (
	"math"
	"sort"
	"time"
)

// AdmitOutcome is the eviction controller's decision for one insertion.
type AdmitOutcome uint8

const (
	// AdmitAccepted: the entry fits without touching anything.
	AdmitAccepted AdmitOutcome = iota
	// AdmitAfterEviction: room was made by evicting lower-scored entries.
	AdmitAfterEviction
	// AdmitRejected: the entry alone exceeds shard capacity.
	AdmitRejected
)

func (o AdmitOutcome) String() string {
	switch o {
	case AdmitAccepted:
		return "accepted"
	case AdmitAfterEviction:
		return "accepted_after_eviction"
	case AdmitRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// EvictionReason distinguishes the two eviction paths.
type EvictionReason uint8

const (
	// EvictCapacity: removed to make room during admission.
	EvictCapacity EvictionReason = iota
	// EvictTTL: removed by the background max-age sweep.
	EvictTTL
)

func (r EvictionReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictTTL:
		return "ttl"
	default:
		return "unknown"
	}
}

// Scorer ranks an entry's retention value: victims are taken in ascending
// score order. The policy is resolved to a concrete function once at shard
// creation, so the eviction scan carries no interface dispatch.
type Scorer func(accessCount uint64, lastAccessNanos, nowNanos int64) float64

// HybridScorer weighs access frequency against recency age:
//
//	score = freqWeight*log1p(accessCount) - recencyWeight*ageSeconds
//
// Frequently used entries survive pressure unless they have gone cold;
// log1p keeps a burst of hits from making an entry immortal.
func HybridScorer(freqWeight, recencyWeight float64) Scorer {
	return func(accessCount uint64, lastAccessNanos, nowNanos int64) float64 {
		age := float64(nowNanos-lastAccessNanos) / float64(time.Second)
		return freqWeight*math.Log1p(float64(accessCount)) - recencyWeight*age
	}
}

// LRUScorer ranks purely by recency: the longest-untouched entry loses.
func LRUScorer() Scorer {
	return func(_ uint64, lastAccessNanos, nowNanos int64) float64 {
		return -float64(nowNanos - lastAccessNanos)
	}
}

// LFUScorer ranks purely by access frequency.
func LFUScorer() Scorer {
	return func(accessCount uint64, _, _ int64) float64 {
		return float64(accessCount)
	}
}

// Default hybrid weights. Recency is dominated by frequency only for
// entries with a real hit history.
const (
	DefaultFreqWeight    = 1.0
	DefaultRecencyWeight = 0.05
)

type scoredEntry struct {
	e     *entry
	score float64
}

// selectVictims picks entries in ascending score order until freeing them
// would fit need bytes under capacity. Caller holds the admission mutex;
// the scan itself only takes stripe read locks.
func selectVictims(s *store, scorer Scorer, current, need, capacity int64, now int64) []*entry {
	scored := make([]scoredEntry, 0, s.len())
	s.rangeEntries(func(e *entry) bool {
		scored = append(scored, scoredEntry{
			e:     e,
			score: scorer(e.accessCount.Load(), e.lastAccess.Load(), now),
		})
		return true
	})

	sort.Slice(scored, func(i, j int) bool { return scored[i].score < scored[j].score })

	victims := make([]*entry, 0, 4)
	projected := current
	for _, se := range scored {
		if projected+need <= capacity {
			break
		}
		victims = append(victims, se.e)
		projected -= se.e.size
	}
	return victims
}
