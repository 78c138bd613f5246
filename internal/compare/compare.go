// Package compare triangulates already-computed method results into a
// consistency verdict and a single recommended estimate.
package compare

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/internal/did"
	"portimpact/internal/iv"
	"portimpact/internal/scm"
)

// magnitudeAgreementCV is the coefficient-of-variation cutoff below which
// estimates are considered to agree on magnitude.
const magnitudeAgreementCV = 0.25

// Inputs holds the results to triangulate. Any subset may be nil.
type Inputs struct {
	DiD *did.Result
	IV  *iv.Result
	SCM *scm.Result
}

// MethodRow is one method's estimate in the comparison table.
type MethodRow struct {
	Method             causal.Method   `json:"method"`
	Coefficient        core.NullFloat  `json:"coefficient"`
	StandardError      core.NullFloat  `json:"standard_error"`
	PValue             core.NullFloat  `json:"p_value"`
	ConfidenceInterval causal.Interval `json:"confidence_interval"`
	Significant5pct    bool            `json:"significant_5pct"`
	NObservations      int             `json:"n_observations,omitempty"`
}

// Consistency is the multi-method agreement assessment.
type Consistency struct {
	SignAgreement     core.NullFloat `json:"sign_agreement,omitempty"`
	MagnitudeCV       core.NullFloat `json:"magnitude_cv,omitempty"`
	SignsAgree        bool           `json:"signs_agree"`
	MagnitudesAgree   bool           `json:"magnitudes_agree"`
	SignificanceAgree bool           `json:"significance_agrees"`
	Assessment        []string       `json:"assessment"`
}

// Recommendation names the preferred estimate and why.
type Recommendation struct {
	Method      causal.Method  `json:"method,omitempty"`
	Coefficient core.NullFloat `json:"coefficient"`
	Reason      string         `json:"reason"`
	RangeLow    core.NullFloat `json:"range_low,omitempty"`
	RangeHigh   core.NullFloat `json:"range_high,omitempty"`
}

// Result is the triangulation output. The per-method table is an ordered
// list with a method field on each row, not an object keyed by method
// name; consumers match on MethodRow.Method.
type Result struct {
	Methods        []MethodRow     `json:"methods"`
	Consistency    *Consistency    `json:"consistency_assessment,omitempty"`
	Recommendation *Recommendation `json:"recommendation"`
	Warnings       []string        `json:"warnings"`
}

// Engine triangulates method results. Stateless.
type Engine struct{}

// NewEngine creates a comparison engine.
func NewEngine() *Engine {
	return &Engine{}
}

// CompareMethodResults builds one table row per available method, assesses
// cross-method consistency when two or more estimates exist, and picks a
// recommended estimate. Zero valid estimates report a no-usable-result
// recommendation instead of raising.
func (e *Engine) CompareMethodResults(in Inputs) *Result {
	var warnings causal.Warnings
	rows := collectRows(in)

	res := &Result{Methods: rows}
	switch {
	case len(rows) == 0:
		res.Recommendation = &Recommendation{
			Coefficient: core.NullValue(),
			Reason:      "no method produced a usable estimate",
		}
		warnings.Add("no usable estimates supplied: nothing to compare")
	case len(rows) == 1:
		res.Recommendation = recommend(in, rows)
		warnings.Addf("only one method (%s) available: multi-method consistency cannot be assessed", rows[0].Method)
	default:
		res.Consistency = assessConsistency(rows)
		res.Recommendation = recommend(in, rows)
		if !res.Consistency.SignsAgree {
			warnings.Add("methods disagree on the sign of the effect: interpret the recommended estimate with caution")
		}
	}
	res.Warnings = warnings.List()
	return res
}

// collectRows extracts a table row per method that produced a valid
// coefficient, in the fixed order did, iv, scm.
func collectRows(in Inputs) []MethodRow {
	var rows []MethodRow
	if in.DiD != nil && in.DiD.MainResult.Coefficient.Valid {
		rows = append(rows, rowFrom(causal.MethodDiD, in.DiD.MainResult))
	}
	if in.IV != nil && in.IV.MainResult.Coefficient.Valid {
		rows = append(rows, rowFrom(causal.MethodIV, in.IV.MainResult))
	}
	if in.SCM != nil && in.SCM.MainResult.PostATT.Valid {
		rows = append(rows, MethodRow{
			Method:      causal.MethodSCM,
			Coefficient: in.SCM.MainResult.PostATT,
			PValue:      in.SCM.MainResult.PValue,
			Significant5pct: in.SCM.MainResult.PValue.Valid &&
				in.SCM.MainResult.PValue.Value < 0.05,
			NObservations: in.SCM.MainResult.NObservations,
		})
	}
	return rows
}

func rowFrom(m causal.Method, est causal.Estimate) MethodRow {
	return MethodRow{
		Method:             m,
		Coefficient:        est.Coefficient,
		StandardError:      est.StandardError,
		PValue:             est.PValue,
		ConfidenceInterval: est.ConfidenceInterval,
		Significant5pct:    est.Significant5pct(),
		NObservations:      est.NObservations,
	}
}

// assessConsistency produces the three-line narrative: sign check,
// magnitude check, significance check.
func assessConsistency(rows []MethodRow) *Consistency {
	coefs := make([]float64, len(rows))
	positives := 0
	significant := 0
	for i, r := range rows {
		coefs[i] = r.Coefficient.Value
		if r.Coefficient.Value > 0 {
			positives++
		}
		if r.Significant5pct {
			significant++
		}
	}

	c := &Consistency{}
	c.SignsAgree = positives == 0 || positives == len(rows)
	c.SignAgreement = core.Ratio(math.Max(float64(positives), float64(len(rows)-positives)), float64(len(rows)))

	mean, _ := stats.Mean(coefs)
	std, _ := stats.StandardDeviationSample(coefs)
	c.MagnitudeCV = core.Ratio(std, math.Abs(mean))
	c.MagnitudesAgree = c.SignsAgree && c.MagnitudeCV.Valid && c.MagnitudeCV.Value < magnitudeAgreementCV

	c.SignificanceAgree = significant == 0 || significant == len(rows)

	if c.SignsAgree {
		direction := "positive"
		if positives == 0 {
			direction = "negative"
		}
		c.Assessment = append(c.Assessment, fmt.Sprintf("all %d methods agree the effect is %s", len(rows), direction))
	} else {
		c.Assessment = append(c.Assessment, fmt.Sprintf("methods disagree on direction: %d of %d estimates are positive", positives, len(rows)))
	}
	if c.MagnitudesAgree {
		c.Assessment = append(c.Assessment, fmt.Sprintf("magnitudes agree: coefficient of variation %.2f is below %.2f", c.MagnitudeCV.Value, magnitudeAgreementCV))
	} else if c.MagnitudeCV.Valid {
		c.Assessment = append(c.Assessment, fmt.Sprintf("magnitudes differ: coefficient of variation %.2f exceeds %.2f", c.MagnitudeCV.Value, magnitudeAgreementCV))
	} else {
		c.Assessment = append(c.Assessment, "magnitude agreement could not be computed")
	}
	switch significant {
	case len(rows):
		c.Assessment = append(c.Assessment, "all methods find a statistically significant effect at the 5% level")
	case 0:
		c.Assessment = append(c.Assessment, "no method finds a statistically significant effect at the 5% level")
	default:
		c.Assessment = append(c.Assessment, fmt.Sprintf("%d of %d methods find a statistically significant effect at the 5%% level", significant, len(rows)))
	}
	return c
}

// recommend picks the preferred estimate: DiD when its own diagnostics did
// not reject, else a significant IV estimate, else the SCM mean, else the
// plain range of available coefficients.
func recommend(in Inputs, rows []MethodRow) *Recommendation {
	if in.DiD != nil && in.DiD.MainResult.Coefficient.Valid && didDiagnosticsClean(in.DiD) {
		return &Recommendation{
			Method:      causal.MethodDiD,
			Coefficient: in.DiD.MainResult.Coefficient,
			Reason:      "difference-in-differences estimate preferred: its diagnostics did not reject the identifying assumptions",
		}
	}
	if in.IV != nil && in.IV.MainResult.Coefficient.Valid && in.IV.MainResult.Significant5pct() {
		return &Recommendation{
			Method:      causal.MethodIV,
			Coefficient: in.IV.MainResult.Coefficient,
			Reason:      "instrumental-variables estimate preferred: statistically significant at the 5% level",
		}
	}
	if in.SCM != nil && in.SCM.MainResult.PostATT.Valid {
		return &Recommendation{
			Method:      causal.MethodSCM,
			Coefficient: in.SCM.MainResult.PostATT,
			Reason:      "synthetic control post-treatment mean gap used: no better-qualified estimate available",
		}
	}

	low, high := rows[0].Coefficient.Value, rows[0].Coefficient.Value
	for _, r := range rows[1:] {
		low = math.Min(low, r.Coefficient.Value)
		high = math.Max(high, r.Coefficient.Value)
	}
	return &Recommendation{
		Coefficient: core.NullValue(),
		Reason:      fmt.Sprintf("no single estimate qualified: effect lies in the range [%.4f, %.4f]", low, high),
		RangeLow:    core.Float(low),
		RangeHigh:   core.Float(high),
	}
}

// didDiagnosticsClean reports whether the DiD diagnostics, when present,
// did not reject the design. Missing diagnostics count as not rejected.
func didDiagnosticsClean(r *did.Result) bool {
	d := r.Diagnostics
	if d == nil {
		return true
	}
	if d.ParallelTrends != nil && d.ParallelTrends.Verdict == causal.VerdictReject {
		return false
	}
	if d.PlaceboTests != nil && d.PlaceboTests.Verdict == causal.VerdictFail {
		return false
	}
	if d.DonorSensitivity != nil && d.DonorSensitivity.Verdict == causal.VerdictSensitive {
		return false
	}
	return true
}
