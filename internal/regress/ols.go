package regress

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"portimpact/internal/errors"
)

// Model holds a fitted least-squares regression with its covariance matrix.
// Standard errors are classical unless the fit was clustered.
type Model struct {
	Names        []string
	Coef         []float64
	SE           []float64
	TStat        []float64
	PValue       []float64
	N            int
	K            int
	DF           int
	R2           float64
	AdjR2        float64
	Residuals    []float64
	Dropped      []string
	ClusterCount int

	vcov   *mat.Dense
	xtxInv *mat.Dense
}

// FitOLS estimates y on the design by least squares. When clusters is
// non-nil (one label per observation) the covariance is the CR1
// cluster-robust sandwich; inference then uses G-1 degrees of freedom.
// The design is pruned for collinear columns first; dropped column names
// are recorded on the model.
func FitOLS(y []float64, d *Design, clusters []string) (*Model, error) {
	if len(y) != d.N() {
		return nil, errors.Validation("outcome has %d values, design expects %d", len(y), d.N())
	}
	if clusters != nil && len(clusters) != d.N() {
		return nil, errors.Validation("cluster labels have %d values, design expects %d", len(clusters), d.N())
	}

	dropped := d.Prune()
	data, n, k := d.Matrix()
	if k == 0 {
		return nil, errors.Estimation("design matrix has no usable columns")
	}
	if n <= k {
		return nil, errors.Estimation("insufficient observations: n=%d for k=%d regressors", n, k)
	}

	X := mat.NewDense(n, k, data)
	yv := mat.NewVecDense(n, append([]float64(nil), y...))

	var qr mat.QR
	qr.Factorize(X)
	var betaDense mat.Dense
	if err := qr.SolveTo(&betaDense, false, yv); err != nil {
		if _, ill := err.(mat.Condition); !ill {
			return nil, errors.Estimation("least-squares solve failed: %v", err)
		}
	}
	beta := make([]float64, k)
	for j := 0; j < k; j++ {
		beta[j] = betaDense.At(j, 0)
	}
	for _, b := range beta {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, errors.Estimation("least-squares solution is not finite")
		}
	}

	resid := make([]float64, n)
	var ssr, sst, ybar float64
	for i := 0; i < n; i++ {
		ybar += y[i]
	}
	ybar /= float64(n)
	for i := 0; i < n; i++ {
		var fit float64
		for j := 0; j < k; j++ {
			fit += X.At(i, j) * beta[j]
		}
		resid[i] = y[i] - fit
		ssr += resid[i] * resid[i]
		dev := y[i] - ybar
		sst += dev * dev
	}

	r2 := 0.0
	if sst > 0 {
		r2 = 1 - ssr/sst
		if r2 < 0 {
			r2 = 0
		}
	}
	df := n - k
	adjR2 := 1 - (1-r2)*float64(n-1)/float64(df)

	xtxInv, err := crossProductInverse(X)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Names:     d.Names(),
		Coef:      beta,
		N:         n,
		K:         k,
		DF:        df,
		R2:        r2,
		AdjR2:     adjR2,
		Residuals: resid,
		Dropped:   dropped,
		xtxInv:    xtxInv,
	}

	if clusters == nil {
		sigma2 := ssr / float64(df)
		m.vcov = scaled(xtxInv, sigma2)
	} else {
		vcov, g, err := clusterSandwich(X, resid, clusters, xtxInv)
		if err != nil {
			return nil, err
		}
		m.vcov = vcov
		m.ClusterCount = g
		m.DF = g - 1
	}

	m.SE = make([]float64, k)
	m.TStat = make([]float64, k)
	m.PValue = make([]float64, k)
	for j := 0; j < k; j++ {
		v := m.vcov.At(j, j)
		if v < 0 {
			v = 0
		}
		m.SE[j] = math.Sqrt(v)
		if m.SE[j] > 0 {
			m.TStat[j] = beta[j] / m.SE[j]
			m.PValue[j] = pValueT(m.TStat[j], m.DF)
		} else {
			m.TStat[j] = 0
			m.PValue[j] = 1
		}
	}

	return m, nil
}

// clusterSandwich computes the CR1 cluster-robust covariance:
// A * (sum_g s_g s_g') * A scaled by G/(G-1) * (N-1)/(N-K), s_g = X_g' u_g.
func clusterSandwich(X *mat.Dense, resid []float64, clusters []string, xtxInv *mat.Dense) (*mat.Dense, int, error) {
	n, k := X.Dims()

	scores := make(map[string][]float64)
	order := make([]string, 0)
	for i := 0; i < n; i++ {
		g := clusters[i]
		s, ok := scores[g]
		if !ok {
			s = make([]float64, k)
			scores[g] = s
			order = append(order, g)
		}
		for j := 0; j < k; j++ {
			s[j] += X.At(i, j) * resid[i]
		}
	}

	G := len(order)
	if G < 2 {
		return nil, 0, errors.Estimation("clustered covariance needs at least 2 clusters, got %d", G)
	}

	meat := mat.NewDense(k, k, nil)
	for _, g := range order {
		s := scores[g]
		for a := 0; a < k; a++ {
			for b := 0; b < k; b++ {
				meat.Set(a, b, meat.At(a, b)+s[a]*s[b])
			}
		}
	}

	var tmp, vcov mat.Dense
	tmp.Mul(xtxInv, meat)
	vcov.Mul(&tmp, xtxInv)

	scale := float64(G) / float64(G-1) * float64(n-1) / float64(n-k)
	vcov.Scale(scale, &vcov)
	return &vcov, G, nil
}

// crossProductInverse returns (X'X)^-1, falling back to the Moore-Penrose
// pseudoinverse for rank-deficient cross products.
func crossProductInverse(X mat.Matrix) (*mat.Dense, error) {
	_, k := X.Dims()
	xtx := mat.NewDense(k, k, nil)
	xtx.Product(X.T(), X)

	var inv mat.Dense
	err := inv.Inverse(xtx)
	if err == nil {
		return &inv, nil
	}
	if _, ill := err.(mat.Condition); ill {
		return &inv, nil
	}
	return PseudoInverse(xtx)
}

// PseudoInverse computes the SVD-based Moore-Penrose pseudoinverse.
// Singular values below a relative tolerance are treated as zero, so
// rank-deficient and all-zero inputs are handled without error.
func PseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.Estimation("SVD factorization failed")
	}
	r, c := a.Dims()
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := 1e-12
	if len(vals) > 0 {
		tol = vals[0] * 1e-12 * float64(max(r, c))
	}
	d := mat.NewDense(len(vals), len(vals), nil)
	for i, s := range vals {
		if s > tol {
			d.Set(i, i, 1/s)
		}
	}
	var tmp, pinv mat.Dense
	tmp.Mul(&v, d)
	pinv.Mul(&tmp, u.T())
	return &pinv, nil
}

func scaled(a *mat.Dense, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, a)
	return &out
}

// Lookup returns the index of a named coefficient.
func (m *Model) Lookup(name string) (int, bool) {
	for i, n := range m.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// VCov returns the fitted covariance matrix.
func (m *Model) VCov() *mat.Dense {
	return m.vcov
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
