package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/simcache/codec"
	"github.com/hupe1980/simcache/lsh"
	"github.com/hupe1980/simcache/model"
)

// Archive layout:
//
//	magic "SIMCSNAP" | version u16 | codecNameLen u8 | codecName |
//	compressionNameLen u8 | compressionName
//	-- compressed from here --
//	metaLen u32 | codec(Meta)
//	repeat: recLen u32 | codec(entryRecord)
//	recLen 0 | entryCount u32
//
// All integers little-endian. Entry records are streamed so a shard dump
// never has to be buffered whole; the trailing count catches a stream cut
// exactly on a record boundary.

// Magic identifies a shard snapshot archive.
var Magic = [8]byte{'S', 'I', 'M', 'C', 'S', 'N', 'A', 'P'}

// Version is the current archive format version.
const Version uint16 = 1

// MaxRecordSize bounds one encoded entry record, guarding readers
// against corrupted length prefixes.
const MaxRecordSize = 256 << 20

var (
	// ErrBadMagic is returned when the source is not a snapshot archive.
	ErrBadMagic = errors.New("snapshot: bad archive magic")

	// ErrCorrupt is returned for structurally invalid archives.
	ErrCorrupt = errors.New("snapshot: corrupt archive")
)

// Meta describes the shard a snapshot was taken from. Restores validate
// it against the target shard: loading entries hashed under different
// family parameters would silently break every fingerprint.
type Meta struct {
	ShardID     model.ShardID `json:"shard_id"`
	Dimension   int           `json:"dimension"`
	Metric      string        `json:"metric"`
	Tables      int           `json:"tables"`
	Hyperplanes int           `json:"hyperplanes"`
	BucketWidth float64       `json:"bucket_width"`
	Seed        int64         `json:"seed"`
	LastSeq     uint64        `json:"last_seq"`
	CreatedAt   time.Time     `json:"created_at"`
}

type entryRecord struct {
	ID             model.EntryID `json:"id"`
	Vector         []float32     `json:"vector"`
	Payload        []byte        `json:"payload,omitempty"`
	SizeBytes      int64         `json:"size_bytes"`
	CreatedAt      int64         `json:"created_at"`
	LastAccessedAt int64         `json:"last_accessed_at"`
	AccessCount    uint64        `json:"access_count"`
	Codes          []uint64      `json:"codes"`
}

// Source is the shard side of a snapshot write. *engine.Shard satisfies
// it.
type Source interface {
	ID() model.ShardID
	Params() lsh.Params
	Seq() uint64
	Dump(fn func(model.CacheEntry, model.Fingerprint) bool)
}

// Target is the shard side of a snapshot restore. *engine.Shard
// satisfies it.
type Target interface {
	Params() lsh.Params
	Clear()
	LoadEntry(model.CacheEntry, model.Fingerprint) error
	SetLastApplied(seq uint64, tsNanos int64)
}

// Options configure a snapshot write.
type Options struct {
	// Codec encodes meta and entry records. Defaults to codec.Default.
	Codec codec.Codec

	// Compression wraps the archive body. Defaults to CompressionS2.
	Compression Compression
}

func (o *Options) setDefaults() {
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	if o.Compression == "" {
		o.Compression = CompressionS2
	}
}

// Write streams a consistent snapshot of src into w. The sequence cut is
// read before the dump: mutations racing the dump replay idempotently on
// top of the restored state.
func Write(ctx context.Context, src Source, w io.Writer, optFns ...func(*Options)) error {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.setDefaults()
	if err := opts.Compression.validate(); err != nil {
		return err
	}

	if err := writeHeader(w, opts.Codec.Name(), opts.Compression); err != nil {
		return err
	}

	cw, err := newCompressor(opts.Compression, w)
	if err != nil {
		return err
	}

	params := src.Params()
	meta := Meta{
		ShardID:     src.ID(),
		Dimension:   params.Dimension,
		Metric:      params.Metric.String(),
		Tables:      params.Tables,
		Hyperplanes: params.Hyperplanes,
		BucketWidth: params.BucketWidth,
		Seed:        params.Seed,
		LastSeq:     src.Seq(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeRecord(cw, opts.Codec, meta); err != nil {
		return err
	}

	var count uint32
	var dumpErr error
	src.Dump(func(ce model.CacheEntry, fp model.Fingerprint) bool {
		if err := ctx.Err(); err != nil {
			dumpErr = err
			return false
		}
		rec := entryRecord{
			ID:             ce.ID,
			Vector:         ce.Vector,
			Payload:        ce.Payload,
			SizeBytes:      ce.SizeBytes,
			CreatedAt:      ce.CreatedAt.UnixNano(),
			LastAccessedAt: ce.LastAccessedAt.UnixNano(),
			AccessCount:    ce.AccessCount,
			Codes:          fp.Codes,
		}
		if err := writeRecord(cw, opts.Codec, rec); err != nil {
			dumpErr = err
			return false
		}
		count++
		return true
	})
	if dumpErr != nil {
		return dumpErr
	}

	// Terminator and count trailer.
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[4:], count)
	if _, err := cw.Write(trailer[:]); err != nil {
		return err
	}
	return cw.Close()
}

// Read restores a snapshot archive into dst, replacing its contents.
// The target's family parameters must match the archive's: a mismatch is
// a configuration error, not something a restore can paper over.
func Read(ctx context.Context, r io.Reader, dst Target) (Meta, error) {
	codecName, compression, err := readHeader(r)
	if err != nil {
		return Meta{}, err
	}
	c, ok := codec.ByName(codecName)
	if !ok {
		return Meta{}, fmt.Errorf("snapshot: unknown codec %q", codecName)
	}

	cr, release, err := newDecompressor(compression, r)
	if err != nil {
		return Meta{}, err
	}
	defer release()

	var meta Meta
	if ok, err := readRecord(cr, c, &meta); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: missing meta record", ErrCorrupt)
		}
		return Meta{}, err
	}
	if err := checkParams(meta, dst.Params()); err != nil {
		return Meta{}, err
	}

	dst.Clear()

	var count uint32
	for {
		if err := ctx.Err(); err != nil {
			return meta, err
		}

		var rec entryRecord
		ok, err := readRecord(cr, c, &rec)
		if err != nil {
			return meta, err
		}
		if !ok {
			break
		}

		ce := model.CacheEntry{
			ID:             rec.ID,
			Vector:         rec.Vector,
			Payload:        rec.Payload,
			SizeBytes:      rec.SizeBytes,
			CreatedAt:      time.Unix(0, rec.CreatedAt),
			LastAccessedAt: time.Unix(0, rec.LastAccessedAt),
			AccessCount:    rec.AccessCount,
		}
		if err := dst.LoadEntry(ce, model.Fingerprint{Codes: rec.Codes}); err != nil {
			return meta, err
		}
		count++
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(cr, countBuf[:]); err != nil {
		return meta, fmt.Errorf("%w: missing count trailer", ErrCorrupt)
	}
	if want := binary.LittleEndian.Uint32(countBuf[:]); want != count {
		return meta, fmt.Errorf("%w: expected %d entries, read %d", ErrCorrupt, want, count)
	}

	dst.SetLastApplied(meta.LastSeq, meta.CreatedAt.UnixNano())
	return meta, nil
}

func checkParams(meta Meta, params lsh.Params) error {
	switch {
	case meta.Dimension != params.Dimension:
		return fmt.Errorf("snapshot: dimension mismatch: archive %d, shard %d", meta.Dimension, params.Dimension)
	case meta.Metric != params.Metric.String():
		return fmt.Errorf("snapshot: metric mismatch: archive %s, shard %s", meta.Metric, params.Metric)
	case meta.Tables != params.Tables || meta.Hyperplanes != params.Hyperplanes:
		return fmt.Errorf("snapshot: hash family mismatch: archive L=%d k=%d, shard L=%d k=%d",
			meta.Tables, meta.Hyperplanes, params.Tables, params.Hyperplanes)
	case meta.Seed != params.Seed:
		return fmt.Errorf("snapshot: family seed mismatch: archive %d, shard %d", meta.Seed, params.Seed)
	}
	return nil
}

func writeHeader(w io.Writer, codecName string, compression Compression) error {
	if len(codecName) > 255 || len(compression) > 255 {
		return fmt.Errorf("snapshot: name too long")
	}
	buf := make([]byte, 0, 12+len(codecName)+len(compression))
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, Version)
	buf = append(buf, byte(len(codecName)))
	buf = append(buf, codecName...)
	buf = append(buf, byte(len(compression)))
	buf = append(buf, compression...)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (codecName string, compression Compression, err error) {
	var fixed [10]byte
	if _, err = io.ReadFull(r, fixed[:]); err != nil {
		return "", "", err
	}
	if [8]byte(fixed[:8]) != Magic {
		return "", "", ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(fixed[8:10]); v != Version {
		return "", "", fmt.Errorf("snapshot: unsupported archive version %d", v)
	}

	readName := func() (string, error) {
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", err
		}
		buf := make([]byte, n[0])
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	if codecName, err = readName(); err != nil {
		return "", "", err
	}
	comp, err := readName()
	if err != nil {
		return "", "", err
	}
	return codecName, Compression(comp), nil
}

func writeRecord(w io.Writer, c codec.Codec, v any) error {
	body, err := c.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxRecordSize {
		return fmt.Errorf("snapshot: record of %d bytes exceeds limit", len(body))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readRecord decodes the next record into v; ok=false on the zero-length
// terminator.
func readRecord(r io.Reader, c codec.Codec, v any) (bool, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return false, fmt.Errorf("%w: missing terminator", ErrCorrupt)
		}
		return false, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size == 0 {
		return false, nil
	}
	if size > MaxRecordSize {
		return false, fmt.Errorf("%w: record of %d bytes exceeds limit", ErrCorrupt, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return false, fmt.Errorf("%w: truncated record", ErrCorrupt)
	}
	return true, c.Unmarshal(body, v)
}
