package regress

import (
	"fmt"
	"math"
	"sort"

	"portimpact/internal/errors"
)

// Design builds a regression design matrix column by column: intercept,
// continuous regressors, categorical fixed effects expanded to dummies with
// a dropped reference level, and product interaction terms. This is the
// typed replacement for formula-string model specification.
type Design struct {
	n     int
	names []string
	cols  [][]float64
}

// NewDesign creates a builder for n observations.
func NewDesign(n int) *Design {
	return &Design{n: n}
}

// N returns the number of observations.
func (d *Design) N() int {
	return d.n
}

// AddIntercept prepends-by-convention the constant column. Call order is
// preserved in the resulting matrix; engines add it first.
func (d *Design) AddIntercept() {
	col := make([]float64, d.n)
	for i := range col {
		col[i] = 1
	}
	d.names = append(d.names, "const")
	d.cols = append(d.cols, col)
}

// Add appends a continuous regressor.
func (d *Design) Add(name string, values []float64) error {
	if len(values) != d.n {
		return errors.Validation("column %s has %d values, design expects %d", name, len(values), d.n)
	}
	col := make([]float64, d.n)
	copy(col, values)
	d.names = append(d.names, name)
	d.cols = append(d.cols, col)
	return nil
}

// AddCategorical expands a label column into one dummy per level, sorted,
// with the first level dropped as the reference.
func (d *Design) AddCategorical(name string, labels []string) error {
	if len(labels) != d.n {
		return errors.Validation("column %s has %d values, design expects %d", name, len(labels), d.n)
	}
	levelSet := make(map[string]struct{})
	for _, l := range labels {
		levelSet[l] = struct{}{}
	}
	levels := make([]string, 0, len(levelSet))
	for l := range levelSet {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	for _, level := range levels[1:] {
		col := make([]float64, d.n)
		for i, l := range labels {
			if l == level {
				col[i] = 1
			}
		}
		d.names = append(d.names, fmt.Sprintf("%s[%s]", name, level))
		d.cols = append(d.cols, col)
	}
	return nil
}

// AddInteraction appends the elementwise product of two regressors.
func (d *Design) AddInteraction(name string, a, b []float64) error {
	if len(a) != d.n || len(b) != d.n {
		return errors.Validation("interaction %s has mismatched lengths", name)
	}
	col := make([]float64, d.n)
	for i := range col {
		col[i] = a[i] * b[i]
	}
	d.names = append(d.names, name)
	d.cols = append(d.cols, col)
	return nil
}

// Names returns the current column names in build order.
func (d *Design) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Prune removes columns that are (numerically) linear combinations of the
// columns before them, via modified Gram-Schmidt. Names of dropped columns
// are returned so callers can silently omit their terms.
func (d *Design) Prune() []string {
	const relTol = 1e-8

	var dropped []string
	keptNames := d.names[:0:0]
	keptCols := d.cols[:0:0]
	var basis [][]float64

	for j, col := range d.cols {
		work := make([]float64, d.n)
		copy(work, col)
		orig := norm2(work)
		if orig == 0 {
			dropped = append(dropped, d.names[j])
			continue
		}
		for _, q := range basis {
			proj := dot(work, q)
			for i := range work {
				work[i] -= proj * q[i]
			}
		}
		resid := norm2(work)
		if resid < relTol*orig {
			dropped = append(dropped, d.names[j])
			continue
		}
		for i := range work {
			work[i] /= resid
		}
		basis = append(basis, work)
		keptNames = append(keptNames, d.names[j])
		keptCols = append(keptCols, col)
	}

	d.names = keptNames
	d.cols = keptCols
	return dropped
}

// Matrix materializes the design as a row-major dense matrix.
func (d *Design) Matrix() ([]float64, int, int) {
	rows, cols := d.n, len(d.cols)
	data := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = d.cols[j][i]
		}
	}
	return data, rows, cols
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm2(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}
