package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/simcache/model"
)

// entryOverheadBytes is the fixed per-entry bookkeeping share counted
// toward capacity, on top of vector and payload bytes.
const entryOverheadBytes = 64

// entry is the store-internal record. The vector, payload and fingerprint
// are immutable after insertion; only the access metadata advances, via
// atomics so concurrent readers never take a write lock.
type entry struct {
	local       uint32
	vector      []float32
	payload     []byte
	size        int64
	fingerprint model.Fingerprint
	createdAt   int64 // unix nanoseconds

	lastAccess  atomic.Int64
	accessCount atomic.Uint64
}

func entrySize(vector []float32, payload []byte) int64 {
	return int64(len(vector)*4) + int64(len(payload)) + entryOverheadBytes
}

// view materializes a read-only copy for callers outside the engine.
func (e *entry) view(shard model.ShardID) model.CacheEntry {
	return model.CacheEntry{
		ID:             model.NewEntryID(shard, e.local),
		Vector:         e.vector,
		Payload:        e.payload,
		SizeBytes:      e.size,
		CreatedAt:      time.Unix(0, e.createdAt),
		LastAccessedAt: time.Unix(0, e.lastAccess.Load()),
		AccessCount:    e.accessCount.Load(),
	}
}

const storeStripes = 64 // power of two, so local&mask distributes evenly

// store holds a shard's live entries behind striped RW locks. Reads of
// different stripes never contend; a write locks one stripe, not the
// shard. Entry counts use an atomic so Len never scans.
type store struct {
	stripes [storeStripes]storeStripe
	count   atomic.Int64
}

type storeStripe struct {
	mu      sync.RWMutex
	entries map[uint32]*entry
}

func newStore() *store {
	s := &store{}
	for i := range s.stripes {
		s.stripes[i].entries = make(map[uint32]*entry)
	}
	return s
}

func (s *store) stripe(local uint32) *storeStripe {
	return &s.stripes[local&(storeStripes-1)]
}

// get returns the live entry and bumps its access metadata: reading an
// entry is an observable side effect by contract.
func (s *store) get(local uint32, now int64) (*entry, bool) {
	e, ok := s.peek(local)
	if !ok {
		return nil, false
	}
	e.lastAccess.Store(now)
	e.accessCount.Add(1)
	return e, true
}

// peek returns the live entry without touching access metadata. Eviction
// scans, snapshots and integrity checks use this so observability reads
// never distort the recency signal.
func (s *store) peek(local uint32) (*entry, bool) {
	st := s.stripe(local)
	st.mu.RLock()
	e, ok := st.entries[local]
	st.mu.RUnlock()
	return e, ok
}

func (s *store) put(e *entry) {
	st := s.stripe(e.local)
	st.mu.Lock()
	if _, exists := st.entries[e.local]; !exists {
		s.count.Add(1)
	}
	st.entries[e.local] = e
	st.mu.Unlock()
}

// delete removes and returns the entry, reporting whether it was live.
func (s *store) delete(local uint32) (*entry, bool) {
	st := s.stripe(local)
	st.mu.Lock()
	e, ok := st.entries[local]
	if ok {
		delete(st.entries, local)
		s.count.Add(-1)
	}
	st.mu.Unlock()
	return e, ok
}

func (s *store) len() int {
	return int(s.count.Load())
}

// rangeEntries calls fn for every live entry until fn returns false.
// Iteration holds one stripe read lock at a time; entries inserted or
// removed concurrently may or may not be seen.
func (s *store) rangeEntries(fn func(*entry) bool) {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, e := range st.entries {
			if !fn(e) {
				st.mu.RUnlock()
				return
			}
		}
		st.mu.RUnlock()
	}
}

func (s *store) clear() {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		st.entries = make(map[uint32]*entry)
		st.mu.Unlock()
	}
	s.count.Store(0)
}
