package lsh

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/simcache/model"
)

// Index is the multi-table bucket index: per table, a map from hash code
// to a roaring bitmap of shard-local entry IDs.
//
// Concurrency: one RWMutex per table. Readers of different tables never
// contend, and a candidate union only read-locks each table long enough to
// OR its bucket. Roaring bitmaps do not tolerate concurrent mutation, so
// writers take the table's write lock.
type Index struct {
	tables []indexTable
}

type indexTable struct {
	mu      sync.RWMutex
	buckets map[uint64]*roaring.Bitmap
}

// NewIndex creates an empty index with the given table count (L).
func NewIndex(tables int) (*Index, error) {
	if tables <= 0 {
		return nil, fmt.Errorf("lsh: invalid table count: %d", tables)
	}
	ix := &Index{tables: make([]indexTable, tables)}
	for t := range ix.tables {
		ix.tables[t].buckets = make(map[uint64]*roaring.Bitmap)
	}
	return ix, nil
}

// Tables returns the table count L.
func (ix *Index) Tables() int { return len(ix.tables) }

// Insert adds local to the bucket of every table code in fp.
// Idempotent per (table, code, id) triple.
func (ix *Index) Insert(fp model.Fingerprint, local uint32) {
	for t, code := range fp.Codes {
		tbl := &ix.tables[t]
		tbl.mu.Lock()
		bm, ok := tbl.buckets[code]
		if !ok {
			bm = roaring.New()
			tbl.buckets[code] = bm
		}
		bm.Add(local)
		tbl.mu.Unlock()
	}
}

// Remove deletes local from every bucket fp points at. No-op for codes or
// IDs that are absent, so cleanup after a concurrent eviction stays
// idempotent. Emptied buckets are dropped from the map.
func (ix *Index) Remove(fp model.Fingerprint, local uint32) {
	for t, code := range fp.Codes {
		ix.RemoveLocal(t, code, local)
	}
}

// RemoveLocal deletes local from a single (table, code) bucket.
func (ix *Index) RemoveLocal(table int, code uint64, local uint32) {
	if table < 0 || table >= len(ix.tables) {
		return
	}
	tbl := &ix.tables[table]
	tbl.mu.Lock()
	if bm, ok := tbl.buckets[code]; ok {
		bm.Remove(local)
		if bm.IsEmpty() {
			delete(tbl.buckets, code)
		}
	}
	tbl.mu.Unlock()
}

// Candidates returns the union of bucket contents across all tables for
// fp's codes. An empty bitmap means no collision: an expected outcome,
// never an error.
func (ix *Index) Candidates(fp model.Fingerprint) *roaring.Bitmap {
	out := roaring.New()
	for t, code := range fp.Codes {
		ix.orBucket(t, code, out)
	}
	return out
}

// CandidatesProbes unions the buckets of every probe code per table.
func (ix *Index) CandidatesProbes(ps ProbeSet) *roaring.Bitmap {
	out := roaring.New()
	for t, codes := range ps.Codes {
		for _, code := range codes {
			ix.orBucket(t, code, out)
		}
	}
	return out
}

func (ix *Index) orBucket(table int, code uint64, dst *roaring.Bitmap) {
	tbl := &ix.tables[table]
	tbl.mu.RLock()
	if bm, ok := tbl.buckets[code]; ok {
		dst.Or(bm)
	}
	tbl.mu.RUnlock()
}

// Contains reports whether local sits in the (table, code) bucket.
func (ix *Index) Contains(table int, code uint64, local uint32) bool {
	if table < 0 || table >= len(ix.tables) {
		return false
	}
	tbl := &ix.tables[table]
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	bm, ok := tbl.buckets[code]
	return ok && bm.Contains(local)
}

// LiveEntry is one element of a rebuild source: a live store entry's local
// ID and its immutable fingerprint.
type LiveEntry struct {
	Local       uint32
	Fingerprint model.Fingerprint
}

// RebuildBucket reconstructs a single (table, code) bucket from the live
// entries, the self-healing path after a referential-integrity fault. The
// bucket is rebuilt aside and swapped in under the table lock, so readers
// observe either the old or the fully rebuilt bucket.
func (ix *Index) RebuildBucket(table int, code uint64, live func(yield func(LiveEntry) bool)) int {
	if table < 0 || table >= len(ix.tables) {
		return 0
	}

	fresh := roaring.New()
	live(func(e LiveEntry) bool {
		if table < len(e.Fingerprint.Codes) && e.Fingerprint.Codes[table] == code {
			fresh.Add(e.Local)
		}
		return true
	})

	tbl := &ix.tables[table]
	tbl.mu.Lock()
	if fresh.IsEmpty() {
		delete(tbl.buckets, code)
	} else {
		tbl.buckets[code] = fresh
	}
	tbl.mu.Unlock()

	return int(fresh.GetCardinality())
}

// Rebuild repopulates every table from the live entries, discarding all
// current buckets. Used after a parameter change; not a hot path.
func (ix *Index) Rebuild(live func(yield func(LiveEntry) bool)) {
	for t := range ix.tables {
		fresh := make(map[uint64]*roaring.Bitmap)
		live(func(e LiveEntry) bool {
			if t >= len(e.Fingerprint.Codes) {
				return true
			}
			code := e.Fingerprint.Codes[t]
			bm, ok := fresh[code]
			if !ok {
				bm = roaring.New()
				fresh[code] = bm
			}
			bm.Add(e.Local)
			return true
		})

		tbl := &ix.tables[t]
		tbl.mu.Lock()
		tbl.buckets = fresh
		tbl.mu.Unlock()
	}
}

// Clear drops every bucket in every table.
func (ix *Index) Clear() {
	for t := range ix.tables {
		tbl := &ix.tables[t]
		tbl.mu.Lock()
		tbl.buckets = make(map[uint64]*roaring.Bitmap)
		tbl.mu.Unlock()
	}
}

// Stats is a point-in-time summary of index shape.
type Stats struct {
	Tables        int
	Buckets       int
	Postings      uint64
	MaxBucketSize uint64
}

// Stats scans all tables; intended for observability, not hot paths.
func (ix *Index) Stats() Stats {
	s := Stats{Tables: len(ix.tables)}
	for t := range ix.tables {
		tbl := &ix.tables[t]
		tbl.mu.RLock()
		s.Buckets += len(tbl.buckets)
		for _, bm := range tbl.buckets {
			c := bm.GetCardinality()
			s.Postings += c
			if c > s.MaxBucketSize {
				s.MaxBucketSize = c
			}
		}
		tbl.mu.RUnlock()
	}
	return s
}
