package simcache

import (
	"context"

	"github.com/hupe1980/simcache/codec"
)

// TypedCache wraps a Cache with codec-backed payload marshaling, so
// callers store and retrieve values of T instead of raw bytes.
type TypedCache[T any] struct {
	cache *Cache
	codec codec.Codec
}

// TypedResult is a lookup outcome with the payload decoded into T.
type TypedResult[T any] struct {
	Hit      bool
	EntryID  EntryID
	Value    T
	Distance float32

	StalenessExceeded bool
}

// Typed wraps a cache for values of T. A nil codec selects the package
// default. The codec is a compatibility boundary: values written by one
// codec must be read back by the same one.
func Typed[T any](c *Cache, cdc codec.Codec) *TypedCache[T] {
	if cdc == nil {
		cdc = codec.Default
	}
	return &TypedCache[T]{cache: c, codec: cdc}
}

// Lookup returns the decoded value of the closest stored vector within
// the threshold.
func (tc *TypedCache[T]) Lookup(ctx context.Context, vec []float32, optFns ...func(*LookupOptions)) (*TypedResult[T], error) {
	res, err := tc.cache.Lookup(ctx, vec, optFns...)
	if err != nil {
		return nil, err
	}

	out := &TypedResult[T]{
		Hit:               res.Hit,
		EntryID:           res.EntryID,
		Distance:          res.Distance,
		StalenessExceeded: res.StalenessExceeded,
	}
	if !res.Hit {
		return out, nil
	}
	if err := tc.codec.Unmarshal(res.Payload, &out.Value); err != nil {
		return nil, err
	}
	return out, nil
}

// Insert encodes value and stores it under vec.
func (tc *TypedCache[T]) Insert(ctx context.Context, vec []float32, value T, optFns ...func(*InsertOptions)) (EntryID, error) {
	payload, err := tc.codec.Marshal(value)
	if err != nil {
		return 0, err
	}
	return tc.cache.Insert(ctx, vec, payload, optFns...)
}

// Invalidate removes an entry by ID.
func (tc *TypedCache[T]) Invalidate(ctx context.Context, id EntryID) error {
	return tc.cache.Invalidate(ctx, id)
}

// Cache returns the wrapped untyped cache.
func (tc *TypedCache[T]) Cache() *Cache {
	return tc.cache
}
