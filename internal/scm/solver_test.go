package scm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSolveSimplexWeights_RecoversExactConvexMix(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	nPre, nDonors := 20, 3
	donors := mat.NewDense(nPre, nDonors, nil)
	for i := 0; i < nPre; i++ {
		for j := 0; j < nDonors; j++ {
			donors.Set(i, j, rng.NormFloat64())
		}
	}
	want := []float64{0.6, 0.3, 0.1}
	target := make([]float64, nPre)
	for i := 0; i < nPre; i++ {
		for j := 0; j < nDonors; j++ {
			target[i] += want[j] * donors.At(i, j)
		}
	}

	sol, err := solveSimplexWeights(target, donors)
	require.NoError(t, err)
	require.False(t, sol.UsedFallback)

	for j := range want {
		assert.InDelta(t, want[j], sol.Weights[j], 0.05)
	}
	assert.Less(t, sol.Objective, 1e-3)
}

func TestSolveSimplexWeights_ConstraintsHold(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	nPre, nDonors := 12, 6
	donors := mat.NewDense(nPre, nDonors, nil)
	target := make([]float64, nPre)
	for i := 0; i < nPre; i++ {
		target[i] = rng.NormFloat64() * 3
		for j := 0; j < nDonors; j++ {
			donors.Set(i, j, rng.NormFloat64())
		}
	}

	sol, err := solveSimplexWeights(target, donors)
	require.NoError(t, err)

	var sum float64
	for _, w := range sol.Weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestSolveSimplexWeights_DimensionMismatch(t *testing.T) {
	donors := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})

	_, err := solveSimplexWeights([]float64{1, 2}, donors)
	require.Error(t, err)
}

func TestProjectSimplex(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
	}{
		{"interior", []float64{0.2, 0.3, 0.5}},
		{"exterior positive", []float64{2, 3, 5}},
		{"with negatives", []float64{-1, 0.5, 2}},
		{"all negative", []float64{-3, -2, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := append([]float64(nil), tt.in...)
			projectSimplex(v)
			var sum float64
			for _, x := range v {
				assert.GreaterOrEqual(t, x, 0.0)
				sum += x
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
		})
	}
}

func TestProjectSimplex_IdempotentOnSimplexPoints(t *testing.T) {
	v := []float64{0.25, 0.25, 0.5}
	projectSimplex(v)
	assert.InDelta(t, 0.25, v[0], 1e-9)
	assert.InDelta(t, 0.25, v[1], 1e-9)
	assert.InDelta(t, 0.5, v[2], 1e-9)
}

func TestSolveSimplexWeights_AllZeroDonorsFallsBackToUniform(t *testing.T) {
	donors := mat.NewDense(2, 3, nil)

	sol, err := solveSimplexWeights([]float64{1, 2}, donors)
	require.NoError(t, err)
	require.True(t, sol.UsedFallback)

	for _, w := range sol.Weights {
		assert.InDelta(t, 1.0/3.0, w, 1e-9)
	}
}

func TestSolveSimplexWeights_WideDonorPool(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	nPre, nDonors := 3, 8
	donors := mat.NewDense(nPre, nDonors, nil)
	target := make([]float64, nPre)
	for i := 0; i < nPre; i++ {
		target[i] = rng.NormFloat64()
		for j := 0; j < nDonors; j++ {
			donors.Set(i, j, rng.NormFloat64())
		}
	}

	sol, err := solveSimplexWeights(target, donors)
	require.NoError(t, err)

	var sum float64
	for _, w := range sol.Weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestClippedLeastSquares_WideDonorPool(t *testing.T) {
	donors := mat.NewDense(2, 4, []float64{
		1, 0, 1, 2,
		0, 1, 1, 1,
	})
	target := []float64{1, 1}

	w, err := clippedLeastSquares(target, donors)
	require.NoError(t, err)
	require.Len(t, w, 4)

	var sum float64
	for _, x := range w {
		assert.GreaterOrEqual(t, x, 0.0)
		assert.False(t, math.IsNaN(x))
		sum += x
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestClippedLeastSquares_SumsToOne(t *testing.T) {
	donors := mat.NewDense(4, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
		2, 1,
	})
	target := []float64{0.5, 0.5, 1, 1.5}

	w, err := clippedLeastSquares(target, donors)
	require.NoError(t, err)

	var sum float64
	for _, x := range w {
		assert.GreaterOrEqual(t, x, 0.0)
		assert.False(t, math.IsNaN(x))
		sum += x
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
