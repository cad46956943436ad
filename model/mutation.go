package model

import "fmt"

// MutationOp is the kind of state change a shard primary commits.
type MutationOp uint8

const (
	// OpInsert adds an entry (carries vector and payload).
	OpInsert MutationOp = iota + 1
	// OpDelete removes an entry by explicit invalidation.
	OpDelete
	// OpEvict removes an entry under capacity or TTL pressure.
	OpEvict
)

func (op MutationOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpEvict:
		return "evict"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// Mutation is one record of a shard's ordered mutation stream.
//
// Seq is assigned by the primary at commit time, starts at 1 and is strictly
// contiguous; replicas must apply mutations in Seq order to preserve
// index-to-store integrity. Access-metadata updates are not part of the
// stream: recency drift between replicas is covered by the staleness bound.
type Mutation struct {
	Seq       uint64
	Op        MutationOp
	ID        EntryID
	Vector    []float32 // OpInsert only
	Payload   []byte    // OpInsert only
	Timestamp int64     // primary commit time, unix nanoseconds
}
