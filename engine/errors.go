package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the store has no live entry for an ID.
	//
	// This is an engine-layer sentinel used internally; the simcache package
	// may translate it into its public error contract.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned for operations on a closed shard.
	ErrClosed = errors.New("shard closed")

	// ErrLogTruncated is returned by the mutation log when the requested
	// sequence range has been dropped from the retention window. The caller
	// falls back to a snapshot resync.
	ErrLogTruncated = errors.New("mutation log truncated")

	// ErrNotPrimary is returned for writes addressed to a replica shard.
	ErrNotPrimary = errors.New("shard is not primary")

	// ErrNotReplica is returned when a mutation stream is applied to a
	// primary shard.
	ErrNotReplica = errors.New("shard is not a replica")

	// ErrInvalidVector is returned for vectors the metric cannot handle,
	// such as a zero-norm vector under cosine.
	ErrInvalidVector = errors.New("invalid vector: zero L2 norm")
)

// ErrCapacityExceeded indicates a declined insert: a single entry larger
// than the shard's capacity is never admitted, not even by evicting
// everything else. Not retried automatically.
type ErrCapacityExceeded struct {
	SizeBytes     int64
	CapacityBytes int64
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("entry of %d bytes exceeds shard capacity of %d bytes", e.SizeBytes, e.CapacityBytes)
}

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrOutOfOrder indicates a gap in a replica's mutation stream. Applying
// out of order would break index-to-store integrity, so the replica
// refuses and the replicator resyncs from a snapshot instead.
type ErrOutOfOrder struct {
	Expected uint64
	Got      uint64
}

func (e *ErrOutOfOrder) Error() string {
	return fmt.Sprintf("out-of-order mutation: expected seq %d, got %d", e.Expected, e.Got)
}
