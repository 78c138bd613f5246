// Package scm implements synthetic control estimation: constrained convex
// donor weights, in-space placebo inference and an event-study
// decomposition of the post-treatment gap.
package scm

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// rmspeRatioWarnAbove triggers the robustness advisory on the post/pre
// fit-error ratio.
const rmspeRatioWarnAbove = 2.0

// Request configures one synthetic control run. The first treated unit
// present in the panel is the subject; all treated units are excluded from
// the donor pool.
type Request struct {
	Outcome       string
	TreatedIDs    []string
	TreatmentTime int
}

// Estimate is the SCM main result.
type Estimate struct {
	PostATT            core.NullFloat `json:"post_att"`
	PrePeriodFitError  core.NullFloat `json:"pre_period_fit_error"`
	PostPeriodFitError core.NullFloat `json:"post_period_fit_error"`
	RMSPERatio         core.NullFloat `json:"rmspe_ratio"`
	PValue             core.NullFloat `json:"p_value"`
	TreatedUnit        string         `json:"treated_unit"`
	NObservations      int            `json:"n_observations"`
}

// WeightEntry is one donor weight, reported for every donor in the pool.
type WeightEntry struct {
	UnitID string  `json:"unit_id"`
	Weight float64 `json:"weight"`
}

// SeriesPoint is one period of the actual-versus-synthetic comparison.
type SeriesPoint struct {
	Period    int            `json:"period"`
	Actual    core.NullFloat `json:"actual"`
	Synthetic core.NullFloat `json:"synthetic"`
	Gap       core.NullFloat `json:"gap"`
}

// GapPoint is the event-study decomposition of the treatment gap.
type GapPoint struct {
	RelativeTime int            `json:"relative_time"`
	Gap          core.NullFloat `json:"gap"`
	Period       string         `json:"period"` // "pre" or "post"
}

// PlaceboEntry is one in-space placebo refit with a donor as the
// pseudo-treated unit.
type PlaceboEntry struct {
	UnitID          string         `json:"unit_id"`
	PrePeriodRMSPE  core.NullFloat `json:"pre_period_rmspe"`
	PostPeriodRMSPE core.NullFloat `json:"post_period_rmspe"`
	Ratio           core.NullFloat `json:"ratio"`
	Err             string         `json:"error,omitempty"`
}

// PlaceboInference aggregates the in-space placebo distribution.
type PlaceboInference struct {
	Placebos     []PlaceboEntry `json:"placebos"`
	NMoreExtreme int            `json:"n_more_extreme"`
	EmpiricalP   core.NullFloat `json:"empirical_p_value"`
	Err          string         `json:"error,omitempty"`
}

// ModelInfo describes the solved optimization.
type ModelInfo struct {
	NDonors      int  `json:"n_donors"`
	NPrePeriods  int  `json:"n_pre_periods"`
	NPostPeriods int  `json:"n_post_periods"`
	Converged    bool `json:"converged"`
	UsedFallback bool `json:"used_fallback"`
	Iterations   int  `json:"iterations,omitempty"`
}

// Result is the SCM output envelope for one outcome.
type Result struct {
	MainResult Estimate          `json:"main_result"`
	Weights    []WeightEntry     `json:"weights"`
	Series     []SeriesPoint     `json:"series"`
	EventStudy []GapPoint        `json:"event_study"`
	Placebo    *PlaceboInference `json:"placebo_inference"`
	ModelInfo  ModelInfo         `json:"model_info"`
	Warnings   []string          `json:"warnings"`
}

// Engine runs synthetic control estimations. Stateless.
type Engine struct{}

// NewEngine creates a synthetic control engine.
func NewEngine() *Engine {
	return &Engine{}
}

// RunSCMWithDiagnostics fits donor weights on pre-treatment data, builds
// the synthetic series for all periods, and runs in-space placebo
// inference over the donor pool.
func (e *Engine) RunSCMWithDiagnostics(p *panel.Panel, req Request) (*Result, error) {
	ds, err := prepare(p, req)
	if err != nil {
		return nil, err
	}

	var warnings causal.Warnings
	if ds.droppedDonors > 0 {
		warnings.Addf("%d donor units dropped for missing outcome values", ds.droppedDonors)
	}

	sol, err := solveSimplexWeights(ds.treatedPre(), ds.donorPreMatrix())
	if err != nil {
		return nil, err
	}
	if sol.UsedFallback {
		warnings.Add("constrained weight optimization did not converge: used clipped least-squares fallback")
	}

	fit := ds.evaluate(sol.Weights, req.TreatmentTime)

	if fit.ratio.Valid && fit.ratio.Value > rmspeRatioWarnAbove {
		warnings.Addf("post/pre RMSPE ratio %.2f exceeds %.0f: verify the effect against placebo inference", fit.ratio.Value, rmspeRatioWarnAbove)
	}

	placebo := e.runPlacebos(ds, req.TreatmentTime, fit.ratio)

	weights := make([]WeightEntry, len(ds.donorIDs))
	for j, id := range ds.donorIDs {
		weights[j] = WeightEntry{UnitID: id, Weight: sol.Weights[j]}
	}

	return &Result{
		MainResult: Estimate{
			PostATT:            fit.postATT,
			PrePeriodFitError:  fit.preRMSPE,
			PostPeriodFitError: fit.postRMSPE,
			RMSPERatio:         fit.ratio,
			PValue:             placebo.EmpiricalP,
			TreatedUnit:        ds.treatedID,
			NObservations:      len(ds.periods),
		},
		Weights:    weights,
		Series:     fit.series,
		EventStudy: fit.gaps,
		Placebo:    placebo,
		ModelInfo: ModelInfo{
			NDonors:      len(ds.donorIDs),
			NPrePeriods:  ds.nPre(req.TreatmentTime),
			NPostPeriods: len(ds.periods) - ds.nPre(req.TreatmentTime),
			Converged:    sol.Converged,
			UsedFallback: sol.UsedFallback,
			Iterations:   sol.Iterations,
		},
		Warnings: warnings.List(),
	}, nil
}

// dataset is the aligned treated and donor outcome matrix.
type dataset struct {
	treatedID     string
	donorIDs      []string
	periods       []int       // sorted, where the treated unit has values
	treatedSeries []float64   // by period
	donorSeries   [][]float64 // [donor][period]
	droppedDonors int
	treatment     int
}

func prepare(p *panel.Panel, req Request) (*dataset, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	if err := p.RequireColumns(req.Outcome); err != nil {
		return nil, err
	}
	if len(req.TreatedIDs) == 0 {
		return nil, errors.Validation("no treated units specified")
	}

	treatedSet := make(map[string]struct{}, len(req.TreatedIDs))
	for _, id := range req.TreatedIDs {
		treatedSet[id] = struct{}{}
	}

	byUnit := make(map[string]map[int]core.NullFloat)
	for _, r := range p.Rows() {
		m, ok := byUnit[r.UnitID]
		if !ok {
			m = make(map[int]core.NullFloat)
			byUnit[r.UnitID] = m
		}
		m[r.TimePeriod] = r.Value(req.Outcome)
	}

	var treatedID string
	for _, id := range req.TreatedIDs {
		if _, ok := byUnit[id]; ok {
			treatedID = id
			break
		}
	}
	if treatedID == "" {
		return nil, errors.Validation("none of the treated units are present in the panel")
	}

	var periods []int
	for t, v := range byUnit[treatedID] {
		if v.Valid {
			periods = append(periods, t)
		}
	}
	sort.Ints(periods)
	if len(periods) == 0 {
		return nil, errors.Validation("treated unit %s has no valid outcome values", treatedID)
	}

	nPre := 0
	for _, t := range periods {
		if t < req.TreatmentTime {
			nPre++
		}
	}
	if nPre < 2 {
		return nil, errors.Validation("synthetic control needs at least 2 pre-treatment periods, got %d", nPre)
	}
	if nPre == len(periods) {
		return nil, errors.Validation("no post-treatment periods at or after %d", req.TreatmentTime)
	}

	treatedSeries := make([]float64, len(periods))
	for i, t := range periods {
		treatedSeries[i] = byUnit[treatedID][t].Value
	}

	var donorIDs []string
	var donorSeries [][]float64
	dropped := 0
	units := make([]string, 0, len(byUnit))
	for u := range byUnit {
		units = append(units, u)
	}
	sort.Strings(units)
	for _, u := range units {
		if _, isTreated := treatedSet[u]; isTreated {
			continue
		}
		series := make([]float64, len(periods))
		complete := true
		for i, t := range periods {
			v := byUnit[u][t]
			if !v.Valid {
				complete = false
				break
			}
			series[i] = v.Value
		}
		if !complete {
			dropped++
			continue
		}
		donorIDs = append(donorIDs, u)
		donorSeries = append(donorSeries, series)
	}
	if len(donorIDs) < 2 {
		return nil, errors.Validation("synthetic control needs at least 2 complete donors, got %d", len(donorIDs))
	}

	return &dataset{
		treatedID:     treatedID,
		donorIDs:      donorIDs,
		periods:       periods,
		treatedSeries: treatedSeries,
		donorSeries:   donorSeries,
		droppedDonors: dropped,
		treatment:     req.TreatmentTime,
	}, nil
}

func (ds *dataset) nPre(treatment int) int {
	n := 0
	for _, t := range ds.periods {
		if t < treatment {
			n++
		}
	}
	return n
}

func (ds *dataset) treatedPre() []float64 {
	n := ds.nPre(ds.treatment)
	out := make([]float64, n)
	copy(out, ds.treatedSeries[:n])
	return out
}

// donorPreMatrix returns the pre-treatment donor outcomes with one column
// per donor.
func (ds *dataset) donorPreMatrix() *mat.Dense {
	n := ds.nPre(ds.treatment)
	m := mat.NewDense(n, len(ds.donorIDs), nil)
	for j, series := range ds.donorSeries {
		for i := 0; i < n; i++ {
			m.Set(i, j, series[i])
		}
	}
	return m
}

type fitSummary struct {
	series    []SeriesPoint
	gaps      []GapPoint
	preRMSPE  core.NullFloat
	postRMSPE core.NullFloat
	ratio     core.NullFloat
	postATT   core.NullFloat
}

// evaluate builds the synthetic series for all periods and summarizes the
// pre and post fit. All derived ratios pass through the null-safe filter.
func (ds *dataset) evaluate(weights []float64, treatment int) fitSummary {
	var out fitSummary
	var preSq, postSq, postGapSum float64
	var nPre, nPost int

	for i, t := range ds.periods {
		var synth float64
		for j := range ds.donorIDs {
			synth += weights[j] * ds.donorSeries[j][i]
		}
		actual := ds.treatedSeries[i]
		gap := actual - synth

		out.series = append(out.series, SeriesPoint{
			Period:    t,
			Actual:    core.Float(actual),
			Synthetic: core.Float(synth),
			Gap:       core.Float(gap),
		})
		tag := "pre"
		if t >= treatment {
			tag = "post"
		}
		out.gaps = append(out.gaps, GapPoint{RelativeTime: t - treatment, Gap: core.Float(gap), Period: tag})

		if t < treatment {
			preSq += gap * gap
			nPre++
		} else {
			postSq += gap * gap
			postGapSum += gap
			nPost++
		}
	}

	if nPre > 0 {
		out.preRMSPE = core.Float(math.Sqrt(preSq / float64(nPre)))
	}
	if nPost > 0 {
		out.postRMSPE = core.Float(math.Sqrt(postSq / float64(nPost)))
		out.postATT = core.Float(postGapSum / float64(nPost))
	}
	if out.preRMSPE.Valid && out.postRMSPE.Valid {
		out.ratio = core.Ratio(out.postRMSPE.Value, out.preRMSPE.Value)
	}
	return out
}
