package simcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/router"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when an owning shard cannot serve right
	// now. Retryable; lookups configured fail-open return a miss instead.
	ErrUnavailable = errors.New("shard unavailable")

	// ErrInvalidVector is returned for vectors the metric cannot handle,
	// such as a zero-norm vector under cosine.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrClosed is returned for operations on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// ErrCapacityExceeded indicates a declined insert: the entry alone is
// larger than its shard's capacity. The cache never retries these.
//
// The original underlying error can be accessed via errors.Unwrap.
type ErrCapacityExceeded struct {
	SizeBytes     int64
	CapacityBytes int64
	cause         error
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("entry of %d bytes exceeds shard capacity of %d bytes", e.SizeBytes, e.CapacityBytes)
}

func (e *ErrCapacityExceeded) Unwrap() error { return e.cause }

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError maps engine and routing errors onto the package's
// public error contract.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, engine.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, router.ErrUnavailable), errors.Is(err, router.ErrNoShards):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, engine.ErrInvalidVector):
		return fmt.Errorf("%w: %w", ErrInvalidVector, err)
	case errors.Is(err, engine.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	var capErr *engine.ErrCapacityExceeded
	if errors.As(err, &capErr) {
		return &ErrCapacityExceeded{
			SizeBytes:     capErr.SizeBytes,
			CapacityBytes: capErr.CapacityBytes,
			cause:         err,
		}
	}
	var dimErr *engine.ErrDimensionMismatch
	if errors.As(err, &dimErr) {
		return &ErrDimensionMismatch{
			Expected: dimErr.Expected,
			Actual:   dimErr.Actual,
			cause:    err,
		}
	}

	return err
}
