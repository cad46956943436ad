package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Single", []float32{2}, []float32{3}, 6},
		// Large vector to exercise the unrolled loop plus the tail
		{"Large", make([]float32, 1027), make([]float32, 1027), 0}, // Zeros
	}

	// Setup large vector
	for i := range tests[5].a {
		tests[5].a[i] = 1
		tests[5].b[i] = 1
	}
	tests[5].expected = 1027

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dot(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8}, // (1 - -1)^2 + (-1 - 1)^2 = 4 + 4 = 8
		{"Empty", []float32{}, []float32{}, 0},
		{"Tail", []float32{1, 1, 1, 1, 1}, []float32{0, 0, 0, 0, 0}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SquaredL2(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-5)
		})
	}
}

func TestCosineDistance(t *testing.T) {
	// Identical unit vectors: distance 0.
	a := []float32{0.6, 0.8}
	assert.InDelta(t, float32(0), CosineDistance(a, a), 1e-6)

	// Orthogonal unit vectors: distance 1.
	b := []float32{1, 0}
	c := []float32{0, 1}
	assert.InDelta(t, float32(1), CosineDistance(b, c), 1e-6)

	// Opposite unit vectors: distance 2.
	d := []float32{-1, 0}
	assert.InDelta(t, float32(2), CosineDistance(b, d), 1e-6)
}

func TestL2(t *testing.T) {
	assert.InDelta(t, float32(5), L2([]float32{0, 0}, []float32{3, 4}), 1e-5)
	assert.InDelta(t, float32(0), L2([]float32{1, 2}, []float32{1, 2}), 1e-5)
}

func TestNormalizeL2(t *testing.T) {
	t.Run("InPlace", func(t *testing.T) {
		// Normal case
		v := []float32{3, 4}
		ok := NormalizeL2InPlace(v)
		assert.True(t, ok)
		assert.InDelta(t, float32(0.6), v[0], 1e-5)
		assert.InDelta(t, float32(0.8), v[1], 1e-5)

		// Length check of norm
		assert.InDelta(t, float32(1.0), float32(math.Sqrt(float64(v[0]*v[0]+v[1]*v[1]))), 1e-5)

		// Zero vector
		vZero := []float32{0, 0}
		ok = NormalizeL2InPlace(vZero)
		assert.False(t, ok)

		// Empty vector
		vEmpty := []float32{}
		ok = NormalizeL2InPlace(vEmpty)
		assert.False(t, ok)
	})

	t.Run("Copy", func(t *testing.T) {
		v := []float32{1, 0}
		dst, ok := NormalizeL2Copy(v)
		assert.True(t, ok)
		assert.Equal(t, float32(1), dst[0])
		assert.NotSame(t, &v[0], &dst[0])

		vZero := []float32{0, 0}
		dst, ok = NormalizeL2Copy(vZero)
		assert.False(t, ok)
		assert.Nil(t, dst)
	})
}

func TestMetric(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "Cosine", MetricCosine.String())
		assert.Equal(t, "Euclidean", MetricEuclidean.String())
		assert.Equal(t, "Unknown(99)", Metric(99).String())
	})

	t.Run("Parse", func(t *testing.T) {
		m, err := ParseMetric("cosine")
		require.NoError(t, err)
		assert.Equal(t, MetricCosine, m)

		m, err = ParseMetric("l2")
		require.NoError(t, err)
		assert.Equal(t, MetricEuclidean, m)

		_, err = ParseMetric("manhattan")
		assert.Error(t, err)
	})

	t.Run("Provider", func(t *testing.T) {
		f, err := Provider(MetricEuclidean)
		require.NoError(t, err)
		assert.NotNil(t, f)
		assert.InDelta(t, float32(math.Sqrt(27)), f([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-5)

		f, err = Provider(MetricCosine)
		require.NoError(t, err)
		assert.NotNil(t, f)
		// Cosine expects normalized inputs; identical unit vectors are distance 0.
		assert.InDelta(t, float32(0), f([]float32{1, 0}, []float32{1, 0}), 1e-6)

		_, err = Provider(Metric(99))
		assert.Error(t, err)
	})
}
