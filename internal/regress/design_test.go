package regress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesign_Build(t *testing.T) {
	d := NewDesign(4)
	d.AddIntercept()
	require.NoError(t, d.Add("x", []float64{1, 2, 3, 4}))
	require.NoError(t, d.AddInteraction("x:z", []float64{1, 2, 3, 4}, []float64{0, 1, 0, 1}))

	assert.Equal(t, []string{"const", "x", "x:z"}, d.Names())

	data, n, k := d.Matrix()
	assert.Equal(t, 4, n)
	assert.Equal(t, 3, k)
	// Row-major layout.
	assert.Equal(t, []float64{1, 1, 0, 1, 2, 2, 1, 3, 0, 1, 4, 4}, data)
}

func TestDesign_LengthMismatch(t *testing.T) {
	d := NewDesign(3)
	assert.Error(t, d.Add("x", []float64{1, 2}))
	assert.Error(t, d.AddCategorical("g", []string{"a"}))
	assert.Error(t, d.AddInteraction("x:z", []float64{1, 2, 3}, []float64{1}))
}

func TestDesign_CategoricalDropsReferenceLevel(t *testing.T) {
	d := NewDesign(4)
	require.NoError(t, d.AddCategorical("unit", []string{"b", "a", "b", "c"}))

	// Levels sort to a, b, c; "a" is the dropped reference.
	assert.Equal(t, []string{"unit[b]", "unit[c]"}, d.Names())

	data, _, k := d.Matrix()
	assert.Equal(t, 2, k)
	assert.Equal(t, []float64{1, 0, 0, 0, 1, 0, 0, 1}, data)
}

func TestDesign_PruneDropsCollinearColumns(t *testing.T) {
	d := NewDesign(4)
	d.AddIntercept()
	require.NoError(t, d.Add("x", []float64{1, 2, 3, 4}))
	require.NoError(t, d.Add("x2", []float64{2, 4, 6, 8}))
	require.NoError(t, d.Add("zero", []float64{0, 0, 0, 0}))
	require.NoError(t, d.Add("z", []float64{1, 0, 1, 0}))

	dropped := d.Prune()
	assert.Equal(t, []string{"x2", "zero"}, dropped)
	assert.Equal(t, []string{"const", "x", "z"}, d.Names())
}

func TestDesign_PruneKeepsIndependentColumns(t *testing.T) {
	d := NewDesign(3)
	d.AddIntercept()
	require.NoError(t, d.Add("x", []float64{1, 2, 4}))

	dropped := d.Prune()
	assert.Empty(t, dropped)
	assert.Equal(t, []string{"const", "x"}, d.Names())
}
