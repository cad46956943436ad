package lsh

import (
	"math"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simcache/distance"
)

func randomUnitVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	distance.NormalizeL2InPlace(v)
	return v
}

// rotateTowards returns a unit vector at angle theta from v, built from an
// orthogonalized random direction.
func rotateTowards(rng *rand.Rand, v []float32, theta float64) []float32 {
	u := make([]float32, len(v))
	for {
		for i := range u {
			u[i] = float32(rng.NormFloat64())
		}
		d := distance.Dot(u, v)
		for i := range u {
			u[i] -= d * v[i]
		}
		if distance.NormalizeL2InPlace(u) {
			break
		}
	}

	out := make([]float32, len(v))
	c := float32(math.Cos(theta))
	s := float32(math.Sin(theta))
	for i := range out {
		out[i] = c*v[i] + s*u[i]
	}
	distance.NormalizeL2InPlace(out)
	return out
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"Valid", Params{Dimension: 64, Metric: distance.MetricCosine, Tables: 4, Hyperplanes: 8}, false},
		{"ValidEuclidean", Params{Dimension: 16, Metric: distance.MetricEuclidean, Tables: 2, Hyperplanes: 4}, false},
		{"ZeroDimension", Params{Dimension: 0, Metric: distance.MetricCosine, Tables: 4, Hyperplanes: 8}, true},
		{"ZeroTables", Params{Dimension: 64, Metric: distance.MetricCosine, Tables: 0, Hyperplanes: 8}, true},
		{"ZeroHyperplanes", Params{Dimension: 64, Metric: distance.MetricCosine, Tables: 4, Hyperplanes: 0}, true},
		{"TooManyHyperplanes", Params{Dimension: 64, Metric: distance.MetricCosine, Tables: 4, Hyperplanes: 65}, true},
		{"BadMetric", Params{Dimension: 64, Metric: distance.Metric(9), Tables: 4, Hyperplanes: 8}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFamily(tt.params)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFamilyDeterminism(t *testing.T) {
	params := Params{Dimension: 32, Metric: distance.MetricCosine, Tables: 6, Hyperplanes: 10, Seed: 7}

	f1, err := NewFamily(params)
	require.NoError(t, err)
	f2, err := NewFamily(params)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		v := randomUnitVector(rng, 32)
		fp1, err := f1.Fingerprint(v)
		require.NoError(t, err)
		fp2, err := f2.Fingerprint(v)
		require.NoError(t, err)
		assert.True(t, fp1.Equal(fp2), "same seed must produce identical fingerprints")
	}

	// A different seed produces a different family.
	params.Seed = 8
	f3, err := NewFamily(params)
	require.NoError(t, err)
	v := randomUnitVector(rng, 32)
	fp1, _ := f1.Fingerprint(v)
	fp3, _ := f3.Fingerprint(v)
	assert.False(t, fp1.Equal(fp3))
}

func TestFingerprintDimensionMismatch(t *testing.T) {
	f, err := NewFamily(Params{Dimension: 16, Metric: distance.MetricCosine, Tables: 2, Hyperplanes: 4, Seed: 1})
	require.NoError(t, err)

	_, err = f.Fingerprint(make([]float32, 8))
	assert.Error(t, err)

	_, err = f.FingerprintProbes(make([]float32, 8), 2)
	assert.Error(t, err)
}

// Near pairs must collide in at least one table with high probability, far
// pairs almost never: the probabilistic contract, checked statistically
// over many seeded trials rather than per-vector.
func TestCosineCollisionContract(t *testing.T) {
	const (
		dim    = 64
		trials = 2000
	)

	f, err := NewFamily(Params{Dimension: dim, Metric: distance.MetricCosine, Tables: 8, Hyperplanes: 12, Seed: 42})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))

	collides := func(a, b []float32) bool {
		fa, err := f.Fingerprint(a)
		require.NoError(t, err)
		fb, err := f.Fingerprint(b)
		require.NoError(t, err)
		for i := range fa.Codes {
			if fa.Codes[i] == fb.Codes[i] {
				return true
			}
		}
		return false
	}

	// Near pairs: angle 0.15 rad, cosine distance about 0.011.
	near := 0
	for i := 0; i < trials; i++ {
		v := randomUnitVector(rng, dim)
		w := rotateTowards(rng, v, 0.15)
		if collides(v, w) {
			near++
		}
	}
	nearRate := float64(near) / float64(trials)
	assert.GreaterOrEqual(t, nearRate, 0.95, "near-pair collision rate")

	// Far pairs: independent vectors, keep only those at cosine distance >= 0.7.
	far, farTrials := 0, 0
	for i := 0; i < trials; i++ {
		v := randomUnitVector(rng, dim)
		w := randomUnitVector(rng, dim)
		if distance.CosineDistance(v, w) < 0.7 {
			continue
		}
		farTrials++
		if collides(v, w) {
			far++
		}
	}
	require.Greater(t, farTrials, trials/2)
	farRate := float64(far) / float64(farTrials)
	assert.LessOrEqual(t, farRate, 0.15, "far-pair collision rate")
}

func TestEuclideanCollision(t *testing.T) {
	const dim = 16

	f, err := NewFamily(Params{Dimension: dim, Metric: distance.MetricEuclidean, Tables: 8, Hyperplanes: 8, Seed: 17})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))

	// Identical vectors always produce identical fingerprints.
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	fp1, err := f.Fingerprint(v)
	require.NoError(t, err)
	fp2, err := f.Fingerprint(v)
	require.NoError(t, err)
	assert.True(t, fp1.Equal(fp2))

	// Tiny perturbations collide in at least one table nearly always.
	hits := 0
	const trials = 500
	for i := 0; i < trials; i++ {
		a := make([]float32, dim)
		b := make([]float32, dim)
		for j := range a {
			a[j] = float32(rng.NormFloat64())
			b[j] = a[j] + float32(rng.NormFloat64())*0.005
		}
		fa, _ := f.Fingerprint(a)
		fb, _ := f.Fingerprint(b)
		for k := range fa.Codes {
			if fa.Codes[k] == fb.Codes[k] {
				hits++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/trials, 0.9)
}

func TestFingerprintProbes(t *testing.T) {
	t.Run("Cosine", func(t *testing.T) {
		f, err := NewFamily(Params{Dimension: 32, Metric: distance.MetricCosine, Tables: 4, Hyperplanes: 16, Seed: 3})
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(2))
		v := randomUnitVector(rng, 32)

		ps, err := f.FingerprintProbes(v, 3)
		require.NoError(t, err)
		require.Len(t, ps.Codes, 4)

		fp, err := f.Fingerprint(v)
		require.NoError(t, err)

		for tbl, codes := range ps.Codes {
			require.Len(t, codes, 4) // primary + 3 probes
			assert.Equal(t, fp.Codes[tbl], codes[0])

			seen := map[uint64]bool{codes[0]: true}
			for _, probe := range codes[1:] {
				// Each probe flips exactly one sign bit of the primary.
				assert.Equal(t, 1, bits.OnesCount64(probe^codes[0]))
				assert.False(t, seen[probe], "probes must be distinct")
				seen[probe] = true
			}
		}

		assert.True(t, ps.Fingerprint().Equal(fp))
	})

	t.Run("Euclidean", func(t *testing.T) {
		f, err := NewFamily(Params{Dimension: 16, Metric: distance.MetricEuclidean, Tables: 3, Hyperplanes: 6, Seed: 11})
		require.NoError(t, err)

		v := make([]float32, 16)
		rng := rand.New(rand.NewSource(4))
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}

		ps, err := f.FingerprintProbes(v, 2)
		require.NoError(t, err)
		for _, codes := range ps.Codes {
			require.Len(t, codes, 3)
		}
	})

	t.Run("ClampAndZero", func(t *testing.T) {
		f, err := NewFamily(Params{Dimension: 8, Metric: distance.MetricCosine, Tables: 2, Hyperplanes: 4, Seed: 1})
		require.NoError(t, err)

		v := []float32{1, 0, 0, 0, 0, 0, 0, 0}

		ps, err := f.FingerprintProbes(v, 100) // clamped to k
		require.NoError(t, err)
		assert.Len(t, ps.Codes[0], 5)

		ps, err = f.FingerprintProbes(v, 0)
		require.NoError(t, err)
		assert.Len(t, ps.Codes[0], 1)

		ps, err = f.FingerprintProbes(v, -1)
		require.NoError(t, err)
		assert.Len(t, ps.Codes[0], 1)
	})
}

func TestMix64CellChaining(t *testing.T) {
	// Codes are FNV-1a chains over quantized cells, seeded from the
	// 64-bit offset basis: order-sensitive and sign-preserving.
	assert.NotEqual(t, mix64(mix64(fnvOffset64, 1), 2), mix64(mix64(fnvOffset64, 2), 1))
	negOne, posOne := int64(-1), int64(1)
	assert.NotEqual(t, mix64(fnvOffset64, uint64(negOne)), mix64(fnvOffset64, uint64(posOne)))
	assert.NotEqual(t, fnvOffset64, mix64(fnvOffset64, 0))
}
