// Package distance provides vector distance calculations for the cache's
// exact-verification stage and the LSH hash families.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Dot calculates the dot product of two vectors.
//
// SAFETY: This function assumes len(a) == len(b).
// It does NOT perform bounds checks for performance reasons.
// Callers MUST ensure lengths match.
func Dot(a, b []float32) float32 {
	var d0, d1, d2, d3 float32

	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		d0 += a[i] * b[i]
		d1 += a[i+1] * b[i+1]
		d2 += a[i+2] * b[i+2]
		d3 += a[i+3] * b[i+3]
	}
	for i := n; i < len(a); i++ {
		d0 += a[i] * b[i]
	}

	return d0 + d1 + d2 + d3
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
//
// SAFETY: This function assumes len(a) == len(b).
// It does NOT perform bounds checks for performance reasons.
// Callers MUST ensure lengths match.
func SquaredL2(a, b []float32) float32 {
	var d0, d1, d2, d3 float32

	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		v0 := a[i] - b[i]
		v1 := a[i+1] - b[i+1]
		v2 := a[i+2] - b[i+2]
		v3 := a[i+3] - b[i+3]
		d0 += v0 * v0
		d1 += v1 * v1
		d2 += v2 * v2
		d3 += v3 * v3
	}
	for i := n; i < len(a); i++ {
		v := a[i] - b[i]
		d0 += v * v
	}

	return d0 + d1 + d2 + d3
}

// CosineDistance calculates 1 - cos(a, b) for L2-normalized inputs.
// For unit vectors the cosine similarity is exactly the dot product, so the
// caller must normalize both sides first (see NormalizeL2InPlace).
func CosineDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

// L2 calculates the L2 (Euclidean) distance between two vectors.
func L2(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredL2(a, b))))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricCosine Metric = iota
	MetricEuclidean
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "Cosine"
	case MetricEuclidean:
		return "Euclidean"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ParseMetric parses a metric name as it appears in configuration files.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine", "Cosine":
		return MetricCosine, nil
	case "euclidean", "Euclidean", "l2", "L2":
		return MetricEuclidean, nil
	default:
		return 0, fmt.Errorf("unsupported metric: %q", s)
	}
}

// Func is a function type for distance calculation. Smaller is closer;
// zero is an exact duplicate under both supported metrics.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
//
// Cosine assumes both inputs are L2-normalized; the engine normalizes
// vectors once at insertion and queries once per lookup, so the hot path
// never renormalizes stored data.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return CosineDistance, nil
	case MetricEuclidean:
		return L2, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
