package regress

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"portimpact/internal/errors"
)

// CriticalZ95 is the two-sided 95% normal critical value used for
// coefficient-path confidence bands.
const CriticalZ95 = 1.96

// pValueT returns the two-sided p-value of a t statistic with df degrees of
// freedom. Falls back to the normal tail when df is not positive.
func pValueT(t float64, df int) float64 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 1
	}
	abs := math.Abs(t)
	if df <= 0 {
		norm := distuv.Normal{Mu: 0, Sigma: 1}
		return clampP(2 * (1 - norm.CDF(abs)))
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	return clampP(2 * (1 - dist.CDF(abs)))
}

// PValueT is the exported form for the engine packages.
func PValueT(t float64, df int) float64 {
	return pValueT(t, df)
}

// PValueF returns the upper-tail p-value of an F statistic.
func PValueF(f float64, df1, df2 int) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 1
	}
	dist := distuv.F{D1: float64(df1), D2: float64(df2)}
	return clampP(1 - dist.CDF(f))
}

// PValueChi2 returns the upper-tail p-value of a chi-square statistic.
func PValueChi2(x float64, df int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
		return 1
	}
	dist := distuv.ChiSquared{K: float64(df)}
	return clampP(1 - dist.CDF(x))
}

func clampP(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// JointTestResult reports a joint restriction test over a coefficient block.
type JointTestResult struct {
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	DF1       int     `json:"df1"`
	DF2       int     `json:"df2,omitempty"`
	TestUsed  string  `json:"test_used"`
}

// JointFTest tests H0: all named coefficients are zero with an F statistic
// W/q on (q, DF) degrees of freedom.
func (m *Model) JointFTest(terms []string) (*JointTestResult, error) {
	w, q, err := m.waldStatistic(terms)
	if err != nil {
		return nil, err
	}
	if m.DF <= 0 {
		return nil, errors.Estimation("F test needs positive residual degrees of freedom, got %d", m.DF)
	}
	f := w / float64(q)
	return &JointTestResult{
		Statistic: f,
		PValue:    PValueF(f, q, m.DF),
		DF1:       q,
		DF2:       m.DF,
		TestUsed:  "f",
	}, nil
}

// JointWaldTest is the chi-square fallback over the same coefficient block.
func (m *Model) JointWaldTest(terms []string) (*JointTestResult, error) {
	w, q, err := m.waldStatistic(terms)
	if err != nil {
		return nil, err
	}
	return &JointTestResult{
		Statistic: w,
		PValue:    PValueChi2(w, q),
		DF1:       q,
		TestUsed:  "wald",
	}, nil
}

// waldStatistic computes b' V^-1 b over the named coefficient subset.
func (m *Model) waldStatistic(terms []string) (float64, int, error) {
	idx := make([]int, 0, len(terms))
	for _, t := range terms {
		j, ok := m.Lookup(t)
		if !ok {
			// Collinearity-dropped terms are excluded from the block.
			continue
		}
		idx = append(idx, j)
	}
	q := len(idx)
	if q == 0 {
		return 0, 0, errors.Estimation("no testable coefficients among %d requested terms", len(terms))
	}

	b := mat.NewVecDense(q, nil)
	sub := mat.NewDense(q, q, nil)
	for a, ja := range idx {
		b.SetVec(a, m.Coef[ja])
		for c, jc := range idx {
			sub.Set(a, c, m.vcov.At(ja, jc))
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(sub); err != nil {
		if _, ill := err.(mat.Condition); !ill {
			pinv, perr := PseudoInverse(sub)
			if perr != nil {
				return 0, 0, errors.Estimation("restriction covariance is singular")
			}
			inv.CloneFrom(pinv)
		}
	}

	var vb mat.VecDense
	vb.MulVec(&inv, b)
	w := mat.Dot(b, &vb)
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0, 0, errors.Estimation("joint statistic is not finite")
	}
	return w, q, nil
}
