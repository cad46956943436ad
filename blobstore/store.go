package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrExists is returned by PutIfAbsent when the blob already exists.
var ErrExists = os.ErrExist

// BlobStore is an abstraction for durable storage of snapshot archives and
// manifests. Blobs are written once and never mutated in place; a new
// snapshot replaces the previous one by writing a fresh blob and updating
// the manifest pointer.
type BlobStore interface {
	// Open opens an existing blob for reading.
	// Returns ErrNotFound if the blob does not exist.
	Open(ctx context.Context, name string) (Blob, error)

	// Create starts a streaming write of a new blob. The blob becomes
	// visible to readers only after Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a small blob in one call. The write is atomic: readers
	// observe either the previous content or the new content, never a
	// partial blob.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs under the given prefix,
	// sorted lexically.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored snapshot archive or manifest.
type Blob interface {
	// ReadAt reads len(p) bytes starting at offset off. Short reads at
	// the end of the blob return io.EOF alongside the byte count.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadRange returns a streaming reader over [off, off+length).
	// The caller owns the returned reader and must close it.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)

	// Size returns the size of the blob in bytes.
	Size() int64

	io.Closer
}

// WritableBlob is a streaming write handle returned by Create.
type WritableBlob interface {
	io.Writer

	// Sync flushes buffered data to stable storage where the backend
	// supports it. Object stores finalize only on Close and treat Sync
	// as a no-op.
	Sync() error

	// Close finalizes the blob. After Close returns nil the blob is
	// visible to Open and List.
	io.Closer
}

// ConditionalPutter is an optional capability. Stores that implement it
// write a blob only if the name is not already taken, returning ErrExists
// otherwise. Manifest commits use this to fence concurrent snapshotters;
// stores without it fall back to last-writer-wins.
type ConditionalPutter interface {
	PutIfAbsent(ctx context.Context, name string, data []byte) error
}

// ReadAll reads an entire blob into memory. Intended for manifests and
// other small blobs; snapshot archives should be streamed via ReadRange.
func ReadAll(ctx context.Context, store BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return io.ReadAll(rc)
}
