package model

import (
	"fmt"
	"time"
)

// ShardID identifies a logical partition. Shards are independent: each owns
// a disjoint subset of entries with its own index, store and eviction state.
type ShardID uint32

// EntryID encodes shard routing in the high bits for O(1) shard lookup.
//
// Format: [ShardID:32 bits][LocalID:32 bits]
//
// Local IDs are assigned by a per-shard monotonic counter and are never
// reused while the entry is live. Keeping them at 32 bits lets bucket sets
// be roaring bitmaps.
type EntryID uint64

const localBits = 32

// NewEntryID creates an entry ID from a shard ID and a shard-local ID.
//
// Example:
//
//	id := model.NewEntryID(3, 42) // shard 3, local ID 42
func NewEntryID(shard ShardID, local uint32) EntryID {
	return EntryID(uint64(shard)<<localBits | uint64(local))
}

// Shard extracts the owning shard (high 32 bits).
func (id EntryID) Shard() ShardID {
	return ShardID(id >> localBits)
}

// Local extracts the shard-local ID (low 32 bits).
func (id EntryID) Local() uint32 {
	return uint32(id)
}

// String returns a string representation of the EntryID.
func (id EntryID) String() string {
	return fmt.Sprintf("Entry(%d:%d)", id.Shard(), id.Local())
}

// Fingerprint is the tuple of hash codes produced by applying all L LSH
// tables to a vector. Code i is table i's packed k-bit signature. Two close
// vectors collide in at least one table with probability increasing in
// closeness: an approximation contract, not a guarantee.
type Fingerprint struct {
	Codes []uint64
}

// Tables returns the number of table codes (L).
func (fp Fingerprint) Tables() int { return len(fp.Codes) }

// Equal reports whether two fingerprints are identical in every table.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	if len(fp.Codes) != len(other.Codes) {
		return false
	}
	for i, c := range fp.Codes {
		if c != other.Codes[i] {
			return false
		}
	}
	return true
}

// CacheEntry is a read-only view of a cached record.
//
// The stored vector is immutable; access metadata advances on every read
// that returns the entry. SizeBytes is fixed at insertion and covers the
// vector, the payload and the per-entry bookkeeping overhead.
type CacheEntry struct {
	ID             EntryID
	Vector         []float32
	Payload        []byte
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
}

// Match is the outcome of exact verification against a candidate set: the
// closest stored entry within the caller's distance threshold.
type Match struct {
	ID       EntryID
	Payload  []byte
	Distance float32

	// Candidates is the size of the candidate set the match was verified
	// against. Exposed for observability; zero on an empty bucket union.
	Candidates int

	// Staleness is the replication lag of the serving shard at read time.
	// Zero when the read was served by a primary.
	Staleness time.Duration
}
