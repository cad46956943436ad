// Package distance provides vector distance calculations.
//
// # Supported Metrics
//
//   - MetricCosine: 1 - cosine similarity (requires L2-normalized inputs)
//   - MetricEuclidean: L2 distance
//
// Both metrics return 0 for exact duplicates and grow with dissimilarity,
// so a single "closest within threshold" rule works for either.
//
// # Usage
//
//	dist := distance.SquaredL2(a, b)
//	sim := distance.Dot(a, b)
//	ok := distance.NormalizeL2InPlace(vec)
package distance
