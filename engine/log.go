package engine

import (
	"sync"
	"time"

	"github.com/hupe1980/simcache/model"
)

// DefaultLogRetention is the mutation count the log keeps for replica
// catch-up before truncating. A replica that falls further behind resyncs
// from a snapshot instead of replaying.
const DefaultLogRetention = 8192

// MutationLog is a shard primary's ordered stream of committed mutations.
//
// Seq starts at 1 and is contiguous; the log is the single total order
// replicas follow. Retention is count-bounded: this is a cache, the log
// exists for replica catch-up, not durability.
type MutationLog struct {
	mu        sync.Mutex
	buf       []model.Mutation
	firstSeq  uint64 // seq of buf[0]; nextSeq when buf is empty
	nextSeq   uint64
	retention int
}

// NewMutationLog creates an empty log starting at seq 1.
func NewMutationLog(retention int) *MutationLog {
	if retention <= 0 {
		retention = DefaultLogRetention
	}
	return &MutationLog{
		firstSeq:  1,
		nextSeq:   1,
		retention: retention,
	}
}

// Append commits a mutation, assigning its Seq and Timestamp. The caller's
// vector/payload slices are retained; both are immutable by contract.
func (l *MutationLog) Append(op model.MutationOp, id model.EntryID, vector []float32, payload []byte) model.Mutation {
	l.mu.Lock()
	defer l.mu.Unlock()

	mut := model.Mutation{
		Seq:       l.nextSeq,
		Op:        op,
		ID:        id,
		Vector:    vector,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
	l.nextSeq++
	l.buf = append(l.buf, mut)

	if overflow := len(l.buf) - l.retention; overflow > 0 {
		l.buf = append(l.buf[:0], l.buf[overflow:]...)
		l.firstSeq += uint64(overflow)
	}
	return mut
}

// Since returns up to max mutations with Seq > seq, in order. It returns
// ErrLogTruncated when seq has already fallen out of the retention window,
// signalling the caller to resync from a snapshot.
func (l *MutationLog) Since(seq uint64, max int) ([]model.Mutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq+1 < l.firstSeq {
		return nil, ErrLogTruncated
	}
	start := int(seq + 1 - l.firstSeq)
	if start >= len(l.buf) {
		return nil, nil
	}
	end := len(l.buf)
	if max > 0 && start+max < end {
		end = start + max
	}

	out := make([]model.Mutation, end-start)
	copy(out, l.buf[start:end])
	return out, nil
}

// Seq returns the last committed sequence number (0 before any commit).
func (l *MutationLog) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// FirstSeq returns the oldest retained sequence number.
func (l *MutationLog) FirstSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstSeq
}

// Len returns the number of retained mutations.
func (l *MutationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// TruncateBelow drops retained mutations with Seq <= seq, typically the
// replica set's lowest acknowledged sequence.
func (l *MutationLog) TruncateBelow(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq+1 <= l.firstSeq {
		return
	}
	drop := int(seq + 1 - l.firstSeq)
	if drop > len(l.buf) {
		drop = len(l.buf)
	}
	l.buf = append(l.buf[:0], l.buf[drop:]...)
	l.firstSeq += uint64(drop)
}

// SeedSeq resets the log to continue after seq with an empty window. Used
// when a promoted replica becomes primary or a shard restores a snapshot:
// history below seq lives in the snapshot, not the log.
func (l *MutationLog) SeedSeq(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = l.buf[:0]
	l.firstSeq = seq + 1
	l.nextSeq = seq + 1
}
