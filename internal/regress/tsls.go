package regress

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"portimpact/internal/errors"
)

// TSLS holds a fitted two-stage least squares model. X stacks the
// endogenous regressor with the exogenous columns; Z stacks the instruments
// with the same exogenous columns.
type TSLS struct {
	Names     []string
	Coef      []float64
	SE        []float64
	TStat     []float64
	PValue    []float64
	N         int
	K         int
	DF        int
	Residuals []float64
}

// FitTSLS estimates y on xd instrumented by zd. The order condition
// requires at least as many instrument columns as regressors.
func FitTSLS(y []float64, xd, zd *Design) (*TSLS, error) {
	if len(y) != xd.N() || xd.N() != zd.N() {
		return nil, errors.Validation("2SLS inputs have mismatched observation counts")
	}

	xd.Prune()
	zd.Prune()
	xData, n, k := xd.Matrix()
	zData, _, l := zd.Matrix()
	if k == 0 || l == 0 {
		return nil, errors.Estimation("2SLS design matrix has no usable columns")
	}
	if l < k {
		return nil, errors.Estimation("order condition fails: %d instruments for %d regressors", l, k)
	}
	if n <= k {
		return nil, errors.Estimation("insufficient observations: n=%d for k=%d regressors", n, k)
	}

	X := mat.NewDense(n, k, xData)
	Z := mat.NewDense(n, l, zData)

	// First-stage projection: Xhat = Z (Z'Z)^-1 Z' X.
	ztzInv, err := crossProductInverse(Z)
	if err != nil {
		return nil, err
	}
	var ztx, gamma, xhat mat.Dense
	ztx.Product(Z.T(), X)
	gamma.Mul(ztzInv, &ztx)
	xhat.Mul(Z, &gamma)

	// beta = (Xhat'X)^-1 Xhat'y, equal to (Xhat'Xhat)^-1 Xhat'y.
	xhxInv, err := crossProductInverse(&xhat)
	if err != nil {
		return nil, err
	}
	yv := mat.NewVecDense(n, append([]float64(nil), y...))
	var xhy mat.VecDense
	xhy.MulVec(xhat.T(), yv)
	var betaVec mat.VecDense
	betaVec.MulVec(xhxInv, &xhy)

	beta := make([]float64, k)
	for j := 0; j < k; j++ {
		beta[j] = betaVec.AtVec(j)
		if math.IsNaN(beta[j]) || math.IsInf(beta[j], 0) {
			return nil, errors.Estimation("2SLS solution is not finite")
		}
	}

	// Residuals use the actual regressors, not the projected ones.
	resid := make([]float64, n)
	var ssr float64
	for i := 0; i < n; i++ {
		var fit float64
		for j := 0; j < k; j++ {
			fit += X.At(i, j) * beta[j]
		}
		resid[i] = y[i] - fit
		ssr += resid[i] * resid[i]
	}

	df := n - k
	sigma2 := ssr / float64(df)
	vcov := scaled(xhxInv, sigma2)

	m := &TSLS{
		Names:     xd.Names(),
		Coef:      beta,
		N:         n,
		K:         k,
		DF:        df,
		Residuals: resid,
	}
	m.SE = make([]float64, k)
	m.TStat = make([]float64, k)
	m.PValue = make([]float64, k)
	for j := 0; j < k; j++ {
		v := vcov.At(j, j)
		if v < 0 {
			v = 0
		}
		m.SE[j] = math.Sqrt(v)
		if m.SE[j] > 0 {
			m.TStat[j] = beta[j] / m.SE[j]
			m.PValue[j] = pValueT(m.TStat[j], df)
		} else {
			m.TStat[j] = 0
			m.PValue[j] = 1
		}
	}
	return m, nil
}

// Lookup returns the index of a named coefficient.
func (m *TSLS) Lookup(name string) (int, bool) {
	for i, n := range m.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}
