package testutil

import (
	"math/rand"
	"sync"

	"github.com/hupe1980/simcache/distance"
)

// RNG is a seeded random vector source. It is safe for concurrent use,
// and the same seed always produces the same sequence, so failures
// reproduce.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates an RNG with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewSource(r.seed))
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Gaussian fills a new vector of dim standard-normal components.
func (r *RNG) Gaussian(dim int) []float32 {
	v := make([]float32, dim)
	r.mu.Lock()
	for i := range v {
		v[i] = float32(r.rand.NormFloat64())
	}
	r.mu.Unlock()
	return v
}

// UnitVector returns a uniformly distributed point on the unit sphere:
// a normalized gaussian vector.
func (r *RNG) UnitVector(dim int) []float32 {
	v := r.Gaussian(dim)
	distance.NormalizeL2InPlace(v)
	return v
}

// UnitVectors returns n independent unit vectors of dim.
func (r *RNG) UnitVectors(n, dim int) [][]float32 {
	vs := make([][]float32, n)
	for i := range vs {
		vs[i] = r.UnitVector(dim)
	}
	return vs
}

// Perturb displaces v by gaussian noise of the given scale and
// renormalizes, producing a near-duplicate query. Scale around 0.01
// lands well inside typical cosine thresholds; 0.5 lands well outside.
func (r *RNG) Perturb(v []float32, scale float64) []float32 {
	out := make([]float32, len(v))
	r.mu.Lock()
	for i := range v {
		out[i] = v[i] + float32(r.rand.NormFloat64()*scale)
	}
	r.mu.Unlock()
	distance.NormalizeL2InPlace(out)
	return out
}

// Payload returns n pseudo-random bytes.
func (r *RNG) Payload(n int) []byte {
	b := make([]byte, n)
	r.mu.Lock()
	r.rand.Read(b)
	r.mu.Unlock()
	return b
}

// ExactNearest scans the dataset for the closest vector to query under
// distFn. Ground truth for recall checks against the approximate index.
// Returns -1 on an empty dataset.
func ExactNearest(query []float32, dataset [][]float32, distFn distance.Func) (int, float32) {
	best := -1
	var bestDist float32
	for i, v := range dataset {
		d := distFn(query, v)
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// WithinThreshold counts dataset vectors within the distance threshold
// of query.
func WithinThreshold(query []float32, dataset [][]float32, distFn distance.Func, threshold float32) int {
	var n int
	for _, v := range dataset {
		if distFn(query, v) <= threshold {
			n++
		}
	}
	return n
}
