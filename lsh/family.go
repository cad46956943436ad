package lsh

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/simcache/distance"
	"github.com/hupe1980/simcache/model"
)

// MaxHyperplanes bounds k so one table code always fits a uint64.
const MaxHyperplanes = 64

// Params fixes a hash family at shard creation. Changing any of them
// invalidates every stored fingerprint; the index must then be rebuilt
// from the live entries (Index.Rebuild), a maintenance operation.
type Params struct {
	// Dimension is the vector dimensionality D.
	Dimension int

	// Metric selects the projection family: sign-of-hyperplane for cosine,
	// quantized p-stable projections for Euclidean.
	Metric distance.Metric

	// Tables is L, the number of independent hash tables.
	Tables int

	// Hyperplanes is k, the projections per table (1..64).
	Hyperplanes int

	// BucketWidth is the Euclidean quantization width w. Ignored for
	// cosine. Zero selects the default.
	BucketWidth float64

	// Seed makes the family deterministic. All replicas of a shard must
	// share it so fingerprints agree across the replica set.
	Seed int64
}

// DefaultBucketWidth is the Euclidean cell width used when Params leaves
// BucketWidth zero.
const DefaultBucketWidth = 4.0

func (p Params) validate() error {
	if p.Dimension <= 0 {
		return fmt.Errorf("lsh: invalid dimension: %d", p.Dimension)
	}
	if p.Tables <= 0 {
		return fmt.Errorf("lsh: invalid table count: %d", p.Tables)
	}
	if p.Hyperplanes <= 0 || p.Hyperplanes > MaxHyperplanes {
		return fmt.Errorf("lsh: invalid hyperplane count: %d (1..%d)", p.Hyperplanes, MaxHyperplanes)
	}
	switch p.Metric {
	case distance.MetricCosine, distance.MetricEuclidean:
	default:
		return fmt.Errorf("lsh: unsupported metric: %v", p.Metric)
	}
	return nil
}

// Family is a deterministic set of L*k random projections.
//
// Projections are stored flattened with stride Dimension: projection j of
// table t starts at (t*k+j)*Dimension. Gaussian components give the
// sign-of-dot-product family its uniform-angle property and double as the
// 2-stable family for Euclidean quantization.
type Family struct {
	params Params

	planes  []float32 // L*k*D, flattened
	offsets []float64 // L*k, Euclidean cell offsets in [0, w)
	width   float64
}

// NewFamily derives a hash family from params. Deterministic: the same
// params produce identical projections on every node.
func NewFamily(params Params) (*Family, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	width := params.BucketWidth
	if width <= 0 {
		width = DefaultBucketWidth
	}

	rng := rand.New(rand.NewSource(params.Seed))

	total := params.Tables * params.Hyperplanes
	planes := make([]float32, total*params.Dimension)
	for i := range planes {
		planes[i] = float32(rng.NormFloat64())
	}

	var offsets []float64
	if params.Metric == distance.MetricEuclidean {
		offsets = make([]float64, total)
		for i := range offsets {
			offsets[i] = rng.Float64() * width
		}
	}

	return &Family{
		params:  params,
		planes:  planes,
		offsets: offsets,
		width:   width,
	}, nil
}

// Params returns the family's creation parameters.
func (f *Family) Params() Params { return f.params }

// Tables returns L.
func (f *Family) Tables() int { return f.params.Tables }

func (f *Family) plane(table, j int) []float32 {
	d := f.params.Dimension
	off := (table*f.params.Hyperplanes + j) * d
	return f.planes[off : off+d]
}

// Fingerprint computes the L table codes for vec.
//
// Cosine callers must pass an L2-normalized vector; the engine normalizes
// once at insert and once per lookup so this stays allocation-free.
func (f *Family) Fingerprint(vec []float32) (model.Fingerprint, error) {
	if len(vec) != f.params.Dimension {
		return model.Fingerprint{}, fmt.Errorf("lsh: dimension mismatch: expected %d, got %d", f.params.Dimension, len(vec))
	}

	codes := make([]uint64, f.params.Tables)
	for t := range codes {
		codes[t] = f.tableCode(t, vec, nil)
	}
	return model.Fingerprint{Codes: codes}, nil
}

// ProbeSet holds, per table, the codes to probe: the primary code first,
// then multi-probe variants in decreasing flip likelihood.
type ProbeSet struct {
	Codes [][]uint64
}

// FingerprintProbes computes the fingerprint plus up to extra multi-probe
// variants per table. A variant perturbs the single projection with the
// smallest margin (the one a near-duplicate most likely lands across):
// cosine flips that sign bit, Euclidean shifts that cell one step toward
// its nearest boundary. extra <= 0 degrades to the plain fingerprint.
func (f *Family) FingerprintProbes(vec []float32, extra int) (ProbeSet, error) {
	if len(vec) != f.params.Dimension {
		return ProbeSet{}, fmt.Errorf("lsh: dimension mismatch: expected %d, got %d", f.params.Dimension, len(vec))
	}
	if extra < 0 {
		extra = 0
	}
	if extra > f.params.Hyperplanes {
		extra = f.params.Hyperplanes
	}

	ps := ProbeSet{Codes: make([][]uint64, f.params.Tables)}
	margins := make([]tableMargin, f.params.Hyperplanes)

	for t := 0; t < f.params.Tables; t++ {
		code := f.tableCode(t, vec, margins)

		out := make([]uint64, 0, 1+extra)
		out = append(out, code)

		if extra > 0 {
			sort.Slice(margins, func(i, j int) bool { return margins[i].margin < margins[j].margin })
			for p := 0; p < extra; p++ {
				out = append(out, f.perturb(t, vec, code, margins[p]))
			}
		}
		ps.Codes[t] = out
	}
	return ps, nil
}

// Fingerprint converts the probe set back to its primary fingerprint.
func (ps ProbeSet) Fingerprint() model.Fingerprint {
	codes := make([]uint64, len(ps.Codes))
	for t, c := range ps.Codes {
		codes[t] = c[0]
	}
	return model.Fingerprint{Codes: codes}
}

type tableMargin struct {
	j      int
	margin float64
	cell   int64 // Euclidean only
	up     bool  // Euclidean: nearest boundary is above
}

// tableCode computes table t's code. When margins is non-nil it is filled
// with per-projection flip margins (len k) for multi-probe.
func (f *Family) tableCode(t int, vec []float32, margins []tableMargin) uint64 {
	k := f.params.Hyperplanes

	if f.params.Metric == distance.MetricCosine {
		var code uint64
		for j := 0; j < k; j++ {
			dot := distance.Dot(f.plane(t, j), vec)
			if dot > 0 {
				code |= 1 << uint(j)
			}
			if margins != nil {
				margins[j] = tableMargin{j: j, margin: math.Abs(float64(dot))}
			}
		}
		return code
	}

	// Euclidean: mix k quantized cells into one code.
	h := fnvOffset64
	for j := 0; j < k; j++ {
		proj := float64(distance.Dot(f.plane(t, j), vec))
		scaled := (proj + f.offsets[t*k+j]) / f.width
		cell := int64(math.Floor(scaled))
		if margins != nil {
			frac := scaled - math.Floor(scaled)
			m := tableMargin{j: j, cell: cell, margin: frac, up: false}
			if 1-frac < frac {
				m.margin = 1 - frac
				m.up = true
			}
			margins[j] = m
		}
		h = mix64(h, uint64(cell))
	}
	return h
}

// perturb recomputes table t's code with projection m flipped/shifted.
func (f *Family) perturb(t int, vec []float32, code uint64, m tableMargin) uint64 {
	if f.params.Metric == distance.MetricCosine {
		return code ^ (1 << uint(m.j))
	}

	k := f.params.Hyperplanes
	h := fnvOffset64
	for j := 0; j < k; j++ {
		proj := float64(distance.Dot(f.plane(t, j), vec))
		cell := int64(math.Floor((proj + f.offsets[t*k+j]) / f.width))
		if j == m.j {
			if m.up {
				cell++
			} else {
				cell--
			}
		}
		h = mix64(h, uint64(cell))
	}
	return h
}

// FNV-1a over the 8 little-endian bytes of each cell value.
const (
	fnvOffset64 uint64 = 14695981039346656037
	fnvPrime64         = 1099511628211
)

func mix64(h, v uint64) uint64 {
	for i := 0; i < 8; i++ {
		h ^= v & 0xff
		h *= fnvPrime64
		v >>= 8
	}
	return h
}
