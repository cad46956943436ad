// Package testutil provides testing utilities for simcache.
//
// This package is intended for use in tests and benchmarks only. It
// provides deterministic random vector generation, controlled
// perturbation for near-duplicate queries, and exact nearest-neighbor
// scans as ground truth for recall checks.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vec := rng.UnitVector(128)        // L2-normalized gaussian
//	qs := rng.UnitVectors(1000, 128)  // a dataset of them
//
// # Near-Duplicate Queries
//
//	query := rng.Perturb(vec, 0.05) // small displacement, renormalized
//
// # Ground Truth
//
//	idx, dist := testutil.ExactNearest(query, dataset, distFn)
package testutil
