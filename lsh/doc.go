// Package lsh implements the locality-sensitive hash family and the
// multi-table bucket index used for candidate generation.
//
// A Family is a fixed set of L*k random projections derived from a seed.
// Cosine deployments hash each table to the k sign bits of hyperplane dot
// products; Euclidean deployments quantize k p-stable projections into
// cells and mix them into one code per table.
//
// The Index maps (table, code) to a roaring bitmap of shard-local entry
// IDs. Candidates returns the union across tables; an empty union is an
// expected outcome, not an error. Collision behavior is probabilistic:
// raising L lowers false negatives at the cost of memory and scan width,
// raising k lowers false positives at the cost of recall. The contract is
// statistical and is tested as such (see family_test.go).
package lsh
