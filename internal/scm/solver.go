package scm

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"portimpact/internal/errors"
	"portimpact/internal/regress"
)

// Solver tolerances. The objective-delta stop is calibrated so resulting
// weights satisfy the simplex constraints to 1e-6.
const (
	solverMaxIterations  = 600
	solverObjectiveDelta = 1e-10
)

// weightSolution is the result of the constrained fit.
type weightSolution struct {
	Weights      []float64
	Objective    float64
	Iterations   int
	Converged    bool
	UsedFallback bool
}

// solveSimplexWeights minimizes ||target - donors*w||^2 subject to w >= 0
// and sum(w) = 1, by projected gradient descent with exact Euclidean
// projection onto the simplex. When the constrained path fails to produce
// finite weights it falls back to a clipped-and-renormalized unconstrained
// least-squares solution.
func solveSimplexWeights(target []float64, donors *mat.Dense) (*weightSolution, error) {
	tPre, nDonors := donors.Dims()
	if len(target) != tPre {
		return nil, errors.Validation("target has %d periods, donor matrix has %d", len(target), tPre)
	}
	if nDonors < 1 {
		return nil, errors.Validation("donor pool is empty")
	}

	sol := projectedGradient(target, donors)
	if sol != nil && finiteWeights(sol.Weights) {
		return sol, nil
	}

	w, err := clippedLeastSquares(target, donors)
	if err != nil {
		return nil, err
	}
	return &weightSolution{
		Weights:      w,
		Objective:    objective(target, donors, w),
		UsedFallback: true,
	}, nil
}

func projectedGradient(target []float64, donors *mat.Dense) *weightSolution {
	tPre, nDonors := donors.Dims()

	// Lipschitz step from the Frobenius norm of D'D.
	var fro float64
	for i := 0; i < tPre; i++ {
		for j := 0; j < nDonors; j++ {
			v := donors.At(i, j)
			fro += v * v
		}
	}
	if fro == 0 {
		return nil
	}
	step := 1 / fro

	w := make([]float64, nDonors)
	for j := range w {
		w[j] = 1 / float64(nDonors)
	}

	prev := objective(target, donors, w)
	grad := make([]float64, nDonors)
	resid := make([]float64, tPre)

	iterations := 0
	converged := false
	for it := 0; it < solverMaxIterations; it++ {
		iterations = it + 1

		// resid = D*w - target; grad = 2 * D' * resid
		for i := 0; i < tPre; i++ {
			var s float64
			for j := 0; j < nDonors; j++ {
				s += donors.At(i, j) * w[j]
			}
			resid[i] = s - target[i]
		}
		for j := 0; j < nDonors; j++ {
			var s float64
			for i := 0; i < tPre; i++ {
				s += donors.At(i, j) * resid[i]
			}
			grad[j] = 2 * s
		}

		for j := range w {
			w[j] -= step * grad[j]
		}
		projectSimplex(w)

		obj := objective(target, donors, w)
		if math.Abs(prev-obj) < solverObjectiveDelta {
			converged = true
			break
		}
		prev = obj
	}

	return &weightSolution{
		Weights:    w,
		Objective:  prev,
		Iterations: iterations,
		Converged:  converged,
	}
}

// projectSimplex replaces v with its Euclidean projection onto the
// probability simplex (Duchi et al. 2008).
func projectSimplex(v []float64) {
	n := len(v)
	u := make([]float64, n)
	copy(u, v)
	sort.Sort(sort.Reverse(sort.Float64Slice(u)))

	var cumsum float64
	rho := -1
	var theta float64
	for i := 0; i < n; i++ {
		cumsum += u[i]
		t := (cumsum - 1) / float64(i+1)
		if u[i]-t > 0 {
			rho = i
			theta = t
		}
	}
	if rho < 0 {
		for i := range v {
			v[i] = 1 / float64(n)
		}
		return
	}
	for i := range v {
		v[i] = math.Max(0, v[i]-theta)
	}
}

// clippedLeastSquares solves the unconstrained normal equations through a
// pseudoinverse, clips negative weights to zero and renormalizes to sum
// one. Uniform weights when the clipped sum vanishes. The pseudoinverse
// route stays finite for wide, rank-deficient and all-zero donor matrices.
func clippedLeastSquares(target []float64, donors *mat.Dense) ([]float64, error) {
	tPre, nDonors := donors.Dims()

	dtd := mat.NewDense(nDonors, nDonors, nil)
	dtd.Product(donors.T(), donors)
	pinv, err := regress.PseudoInverse(dtd)
	if err != nil {
		return nil, errors.Optimization("least-squares fallback failed: %v", err)
	}

	dty := mat.NewVecDense(nDonors, nil)
	dty.MulVec(donors.T(), mat.NewVecDense(tPre, append([]float64(nil), target...)))
	sol := mat.NewVecDense(nDonors, nil)
	sol.MulVec(pinv, dty)

	w := make([]float64, nDonors)
	var sum float64
	for j := 0; j < nDonors; j++ {
		v := sol.AtVec(j)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			v = 0
		}
		w[j] = v
		sum += v
	}
	if sum == 0 {
		for j := range w {
			w[j] = 1 / float64(nDonors)
		}
		return w, nil
	}
	for j := range w {
		w[j] /= sum
	}
	return w, nil
}

func objective(target []float64, donors *mat.Dense, w []float64) float64 {
	tPre, nDonors := donors.Dims()
	var sum float64
	for i := 0; i < tPre; i++ {
		var s float64
		for j := 0; j < nDonors; j++ {
			s += donors.At(i, j) * w[j]
		}
		d := s - target[i]
		sum += d * d
	}
	return sum
}

func finiteWeights(w []float64) bool {
	var sum float64
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
		sum += v
	}
	return math.Abs(sum-1) < 1e-6
}
