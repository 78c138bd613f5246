package regress

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitOLS_RecoversKnownCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 400
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = rng.NormFloat64()
		y[i] = 2.0 + 1.5*x[i] + rng.NormFloat64()*0.1
	}

	d := NewDesign(n)
	d.AddIntercept()
	require.NoError(t, d.Add("x", x))

	m, err := FitOLS(y, d, nil)
	require.NoError(t, err)

	ci, ok := m.Lookup("const")
	require.True(t, ok)
	xi, ok := m.Lookup("x")
	require.True(t, ok)

	assert.InDelta(t, 2.0, m.Coef[ci], 0.05)
	assert.InDelta(t, 1.5, m.Coef[xi], 0.05)
	assert.Less(t, m.PValue[xi], 0.001)
	assert.Greater(t, m.R2, 0.95)
	assert.Equal(t, n-2, m.DF)
}

func TestFitOLS_ClusteredInference(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	nClusters, perCluster := 12, 25
	n := nClusters * perCluster

	x := make([]float64, n)
	y := make([]float64, n)
	clusters := make([]string, n)
	for g := 0; g < nClusters; g++ {
		shock := rng.NormFloat64() * 0.5
		for i := 0; i < perCluster; i++ {
			idx := g*perCluster + i
			clusters[idx] = "g" + strconv.Itoa(g)
			x[idx] = rng.NormFloat64()
			y[idx] = 1.0 + 0.8*x[idx] + shock + rng.NormFloat64()*0.1
		}
	}

	build := func() *Design {
		d := NewDesign(n)
		d.AddIntercept()
		require.NoError(t, d.Add("x", x))
		return d
	}

	classical, err := FitOLS(y, build(), nil)
	require.NoError(t, err)
	clustered, err := FitOLS(y, build(), clusters)
	require.NoError(t, err)

	assert.Equal(t, nClusters, clustered.ClusterCount)
	assert.Equal(t, nClusters-1, clustered.DF)
	assert.Equal(t, 0, classical.ClusterCount)

	xi, ok := clustered.Lookup("x")
	require.True(t, ok)
	assert.InDelta(t, 0.8, clustered.Coef[xi], 0.1)
	assert.Greater(t, clustered.SE[xi], 0.0)
}

func TestFitOLS_SingletonClustersGiveRobustSE(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	n := 500

	x := make([]float64, n)
	y := make([]float64, n)
	clusters := make([]string, n)
	for i := 0; i < n; i++ {
		clusters[i] = strconv.Itoa(i)
		x[i] = rng.NormFloat64()
		// Error variance grows with |x|, so robust and classical SEs diverge.
		y[i] = 1.0 + 0.5*x[i] + x[i]*rng.NormFloat64()
	}

	build := func() *Design {
		d := NewDesign(n)
		d.AddIntercept()
		require.NoError(t, d.Add("x", x))
		return d
	}

	classical, err := FitOLS(y, build(), nil)
	require.NoError(t, err)
	robust, err := FitOLS(y, build(), clusters)
	require.NoError(t, err)

	assert.Equal(t, n, robust.ClusterCount)
	assert.Equal(t, n-1, robust.DF)

	xi, ok := robust.Lookup("x")
	require.True(t, ok)
	assert.InDelta(t, robust.Coef[xi], classical.Coef[xi], 1e-9)
	// With this error structure the robust SE is roughly sqrt(3) times
	// the classical one.
	assert.Greater(t, robust.SE[xi], 1.3*classical.SE[xi])
}

func TestFitOLS_TooFewClusters(t *testing.T) {
	d := NewDesign(4)
	d.AddIntercept()
	require.NoError(t, d.Add("x", []float64{1, 2, 3, 4}))

	_, err := FitOLS([]float64{1, 2, 3, 4}, d, []string{"a", "a", "a", "a"})
	require.Error(t, err)
}

func TestFitOLS_Validation(t *testing.T) {
	d := NewDesign(3)
	d.AddIntercept()

	_, err := FitOLS([]float64{1, 2}, d, nil)
	require.Error(t, err)

	d2 := NewDesign(3)
	d2.AddIntercept()
	_, err = FitOLS([]float64{1, 2, 3}, d2, []string{"a", "b"})
	require.Error(t, err)
}

func TestFitOLS_InsufficientObservations(t *testing.T) {
	d := NewDesign(2)
	d.AddIntercept()
	require.NoError(t, d.Add("x", []float64{1, 2}))

	_, err := FitOLS([]float64{1, 2}, d, nil)
	require.Error(t, err)
}

func TestFitOLS_RecordsDroppedColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 50
	x := make([]float64, n)
	x2 := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = rng.NormFloat64()
		x2[i] = 3 * x[i]
		y[i] = x[i] + rng.NormFloat64()*0.1
	}

	d := NewDesign(n)
	d.AddIntercept()
	require.NoError(t, d.Add("x", x))
	require.NoError(t, d.Add("x_dup", x2))

	m, err := FitOLS(y, d, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x_dup"}, m.Dropped)
	assert.Equal(t, 2, m.K)
}

func TestFitTSLS_RecoversStructuralCoefficient(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	n := 600
	x := make([]float64, n)
	z := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		z[i] = rng.NormFloat64()
		u := rng.NormFloat64()
		x[i] = 0.9*z[i] + 0.5*u + rng.NormFloat64()*0.2
		y[i] = 1.3*x[i] + 0.8*u + rng.NormFloat64()*0.2
	}

	xd := NewDesign(n)
	xd.AddIntercept()
	require.NoError(t, xd.Add("x", x))
	zd := NewDesign(n)
	zd.AddIntercept()
	require.NoError(t, zd.Add("z", z))

	m, err := FitTSLS(y, xd, zd)
	require.NoError(t, err)

	xi, ok := m.Lookup("x")
	require.True(t, ok)
	assert.InDelta(t, 1.3, m.Coef[xi], 0.1)
	assert.Less(t, m.PValue[xi], 0.001)
}

func TestFitTSLS_OrderCondition(t *testing.T) {
	n := 20
	xd := NewDesign(n)
	xd.AddIntercept()
	require.NoError(t, xd.Add("x1", seq(n, 1)))
	require.NoError(t, xd.Add("x2", seq(n, 2)))
	zd := NewDesign(n)
	zd.AddIntercept()
	require.NoError(t, zd.Add("z", seq(n, 3)))

	_, err := FitTSLS(seq(n, 4), xd, zd)
	require.Error(t, err)
}

func seq(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}
