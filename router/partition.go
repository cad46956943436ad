package router

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
)

// partitionSeed fixes the coarse projection planes. Every node must
// derive identical planes or routing decisions diverge across the
// cluster.
const partitionSeed = 0x73696d_70617274

// DefaultPartitionBits is the coarse projection width. Four sign bits
// split the sphere into 16 angular cells: coarse enough that near
// duplicates almost always share a cell, fine enough to spread load.
const DefaultPartitionBits = 4

// MaxPartitionBits bounds the projection width.
const MaxPartitionBits = 16

// Partitioner derives a shard-routing key from a vector. The projection
// is deliberately much coarser than the LSH fingerprint: similar vectors
// must land on the same shard so its index can find them, whereas the
// fingerprint is designed to separate anything not nearly identical.
type Partitioner struct {
	dim    int
	bits   int
	planes []float32 // bits*dim, row-major
}

// NewPartitioner builds the fixed projection for the given
// dimensionality. bits <= 0 selects DefaultPartitionBits.
func NewPartitioner(dim, bits int) (*Partitioner, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if bits <= 0 {
		bits = DefaultPartitionBits
	}
	if bits > MaxPartitionBits {
		return nil, fmt.Errorf("partition bits %d exceeds maximum %d", bits, MaxPartitionBits)
	}

	rng := rand.New(rand.NewSource(partitionSeed))
	planes := make([]float32, bits*dim)
	for i := range planes {
		planes[i] = float32(rng.NormFloat64())
	}

	return &Partitioner{dim: dim, bits: bits, planes: planes}, nil
}

// Bits returns the projection width.
func (p *Partitioner) Bits() int { return p.bits }

// Key maps a vector to its partition key: the FNV mix of the coarse
// projection's sign pattern. Scale-invariant, so normalized and raw
// forms of a vector agree.
func (p *Partitioner) Key(vec []float32) (uint64, error) {
	if len(vec) != p.dim {
		return 0, fmt.Errorf("dimension mismatch: expected %d, got %d", p.dim, len(vec))
	}

	var pattern uint64
	for b := 0; b < p.bits; b++ {
		plane := p.planes[b*p.dim : (b+1)*p.dim]
		var dot float32
		for i, x := range vec {
			dot += plane[i] * x
		}
		if dot >= 0 {
			pattern |= 1 << uint(b)
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], pattern)
	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64(), nil
}

// KeyFromBytes hashes a caller-supplied partition key (tenant, session,
// prompt namespace). Callers that group requests this way get exact
// shard affinity instead of the projection's probabilistic one.
func KeyFromBytes(key []byte) uint64 {
	sum := sha256.Sum256(key)
	return binary.BigEndian.Uint64(sum[:8])
}
