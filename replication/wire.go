package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/simcache/internal/hash"
	"github.com/hupe1980/simcache/model"
)

// Wire format for mutation streams crossing a process boundary (network
// transports, spill files): a fixed header followed by length-prefixed,
// CRC-32C-protected records.
//
//	header:  magic "SIMCLOG1" | version u16
//	record:  length u32 | body | crc32c u32
//	body:    seq u64 | op u8 | id u64 | ts i64 |
//	         vecLen u32 | vec f32... | payloadLen u32 | payload
//
// All integers little-endian. The CRC covers the body only, so a
// truncated tail is detected by the length prefix and a corrupted one by
// the checksum.

// WireMagic identifies a mutation stream.
var WireMagic = [8]byte{'S', 'I', 'M', 'C', 'L', 'O', 'G', '1'}

// WireVersion is the current stream format version.
const WireVersion uint16 = 1

// MaxWireRecordSize bounds a single record, guarding the reader against
// a corrupted length prefix allocating unbounded memory.
const MaxWireRecordSize = 64 << 20

var (
	// ErrBadMagic is returned when a stream does not start with WireMagic.
	ErrBadMagic = errors.New("replication: bad stream magic")

	// ErrBadChecksum is returned when a record fails CRC verification.
	ErrBadChecksum = errors.New("replication: record checksum mismatch")

	// ErrRecordTooLarge is returned for a length prefix beyond
	// MaxWireRecordSize.
	ErrRecordTooLarge = errors.New("replication: record too large")
)

// StreamWriter frames mutations onto an io.Writer.
type StreamWriter struct {
	w       io.Writer
	scratch []byte
}

// NewStreamWriter writes the stream header and returns a writer for the
// records that follow.
func NewStreamWriter(w io.Writer) (*StreamWriter, error) {
	var hdr [10]byte
	copy(hdr[:8], WireMagic[:])
	binary.LittleEndian.PutUint16(hdr[8:10], WireVersion)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, err
	}
	return &StreamWriter{w: w}, nil
}

func mutationWireSize(mut model.Mutation) int {
	return 8 + 1 + 8 + 8 + 4 + 4*len(mut.Vector) + 4 + len(mut.Payload)
}

// Write frames one mutation record.
func (sw *StreamWriter) Write(mut model.Mutation) error {
	size := mutationWireSize(mut)
	if size > MaxWireRecordSize {
		return ErrRecordTooLarge
	}

	need := 4 + size + 4
	if cap(sw.scratch) < need {
		sw.scratch = make([]byte, need)
	}
	buf := sw.scratch[:need]

	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	body := buf[4 : 4+size]

	binary.LittleEndian.PutUint64(body[0:8], mut.Seq)
	body[8] = byte(mut.Op)
	binary.LittleEndian.PutUint64(body[9:17], uint64(mut.ID))
	binary.LittleEndian.PutUint64(body[17:25], uint64(mut.Timestamp))

	off := 25
	binary.LittleEndian.PutUint32(body[off:], uint32(len(mut.Vector)))
	off += 4
	for _, f := range mut.Vector {
		binary.LittleEndian.PutUint32(body[off:], math.Float32bits(f))
		off += 4
	}
	binary.LittleEndian.PutUint32(body[off:], uint32(len(mut.Payload)))
	off += 4
	copy(body[off:], mut.Payload)

	binary.LittleEndian.PutUint32(buf[4+size:], hash.CRC32C(body))

	_, err := sw.w.Write(buf)
	return err
}

// WriteAll frames a batch of mutations.
func (sw *StreamWriter) WriteAll(muts []model.Mutation) error {
	for _, mut := range muts {
		if err := sw.Write(mut); err != nil {
			return err
		}
	}
	return nil
}

// StreamReader decodes a framed mutation stream.
type StreamReader struct {
	r       io.Reader
	scratch []byte
}

// NewStreamReader validates the stream header and returns a reader for
// the records that follow.
func NewStreamReader(r io.Reader) (*StreamReader, error) {
	var hdr [10]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if [8]byte(hdr[:8]) != WireMagic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(hdr[8:10]); v != WireVersion {
		return nil, fmt.Errorf("replication: unsupported stream version %d", v)
	}
	return &StreamReader{r: r}, nil
}

// Next decodes the next record. io.EOF marks a clean end of stream;
// io.ErrUnexpectedEOF a truncated record.
func (sr *StreamReader) Next() (model.Mutation, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(sr.r, lenBuf[:]); err != nil {
		return model.Mutation{}, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > MaxWireRecordSize {
		return model.Mutation{}, ErrRecordTooLarge
	}
	if size < 33 { // fixed fields alone need 33 bytes
		return model.Mutation{}, fmt.Errorf("replication: record body too short: %d bytes", size)
	}

	need := int(size) + 4
	if cap(sr.scratch) < need {
		sr.scratch = make([]byte, need)
	}
	buf := sr.scratch[:need]
	if _, err := io.ReadFull(sr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Mutation{}, io.ErrUnexpectedEOF
		}
		return model.Mutation{}, err
	}

	body := buf[:size]
	if hash.CRC32C(body) != binary.LittleEndian.Uint32(buf[size:]) {
		return model.Mutation{}, ErrBadChecksum
	}

	mut := model.Mutation{
		Seq:       binary.LittleEndian.Uint64(body[0:8]),
		Op:        model.MutationOp(body[8]),
		ID:        model.EntryID(binary.LittleEndian.Uint64(body[9:17])),
		Timestamp: int64(binary.LittleEndian.Uint64(body[17:25])),
	}

	off := uint32(25)
	vecLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if rem := size - off; vecLen > rem/4 {
		return model.Mutation{}, fmt.Errorf("replication: vector length %d exceeds record body", vecLen)
	}
	if vecLen > 0 {
		mut.Vector = make([]float32, vecLen)
		for i := range mut.Vector {
			mut.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			off += 4
		}
	}

	payloadLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if payloadLen != size-off {
		return model.Mutation{}, fmt.Errorf("replication: payload length %d does not match record body", payloadLen)
	}
	if payloadLen > 0 {
		mut.Payload = make([]byte, payloadLen)
		copy(mut.Payload, body[off:])
	}

	return mut, nil
}

// ReadAll drains the stream into a slice.
func (sr *StreamReader) ReadAll() ([]model.Mutation, error) {
	var out []model.Mutation
	for {
		mut, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, mut)
	}
}
