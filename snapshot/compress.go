package snapshot

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec wrapping the snapshot body. The name is
// recorded in the archive header, so readers never need to be told.
type Compression string

const (
	// CompressionNone stores the body uncompressed.
	CompressionNone Compression = "none"

	// CompressionS2 is Snappy-compatible with better ratios; the default.
	// Fast enough that snapshot writes stay IO-bound.
	CompressionS2 Compression = "s2"

	// CompressionZstd trades CPU for the best ratio; suited to snapshots
	// shipped over constrained links or kept in object storage.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 decompresses fastest; suited to restore-latency
	// sensitive replica bootstraps.
	CompressionLZ4 Compression = "lz4"
)

func (c Compression) validate() error {
	switch c {
	case CompressionNone, CompressionS2, CompressionZstd, CompressionLZ4:
		return nil
	default:
		return fmt.Errorf("snapshot: unknown compression %q", string(c))
	}
}

// nopWriteCloser adapts plain writers to the compressor shape.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newCompressor(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionS2:
		return s2.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("snapshot: unknown compression %q", string(c))
	}
}

func newDecompressor(c Compression, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionS2:
		return s2.NewReader(r), func() {}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec.IOReadCloser(), dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("snapshot: unknown compression %q", string(c))
	}
}
