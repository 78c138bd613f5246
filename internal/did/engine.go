// Package did implements two-way fixed-effects difference-in-differences
// estimation and its diagnostic battery: parallel trends, dynamic event
// study, placebo dates, leave-one-out donor sensitivity and an
// alternative-specification matrix.
package did

import (
	"strconv"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/regress"
)

// Interaction term names. Both orderings are searched before failing, so a
// caller-built panel with its own did column keeps working.
const (
	termTreatedPost = "treated:post"
	termPostTreated = "post:treated"
)

// Request configures one DiD estimation run.
type Request struct {
	Outcome       string
	Controls      []string
	ClusterBy     string // defaults to unit_id
	TreatmentTime int
	PreWindow     int // event-study window, defaults to 5
	PostWindow    int
}

func (r Request) clusterBy() string {
	if r.ClusterBy == "" {
		return panel.ColUnitID
	}
	return r.ClusterBy
}

// ModelInfo describes the fitted two-way fixed-effects model.
type ModelInfo struct {
	NUnits       int      `json:"n_units"`
	NPeriods     int      `json:"n_periods"`
	ClusterBy    string   `json:"cluster_by"`
	DroppedTerms []string `json:"dropped_terms,omitempty"`
}

// Result is the DiD output envelope for one outcome.
type Result struct {
	MainResult  causal.Estimate `json:"main_result"`
	ModelInfo   ModelInfo       `json:"model_info"`
	Diagnostics *Diagnostics    `json:"diagnostics,omitempty"`
	Warnings    []string        `json:"warnings"`
}

// Engine runs DiD estimations. Stateless; safe for concurrent use.
type Engine struct{}

// NewEngine creates a DiD engine.
func NewEngine() *Engine {
	return &Engine{}
}

// RunDiD regresses outcome ~ treated*post + controls + unit FE + time FE
// with standard errors clustered by the requested column.
func (e *Engine) RunDiD(p *panel.Panel, req Request) (*Result, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	required := append([]string{req.Outcome, panel.ColTreated, panel.ColPost, panel.ColDiD}, req.Controls...)
	if err := p.RequireColumns(required...); err != nil {
		return nil, err
	}

	cases := p.CompleteCases(required...)
	if cases == nil {
		return nil, errors.Validation("no complete observations for outcome %s", req.Outcome)
	}

	model, err := fitTWFE(cases, req.Outcome, req.Controls, req.clusterBy())
	if err != nil {
		return nil, err
	}

	est, err := interactionEstimate(model)
	if err != nil {
		return nil, err
	}

	var warnings causal.Warnings
	if model.ClusterCount > 0 && model.ClusterCount < 10 {
		warnings.Addf("only %d clusters: clustered standard errors may be unreliable", model.ClusterCount)
	}
	if len(model.Dropped) > 0 {
		warnings.Addf("%d collinear design columns were dropped", len(model.Dropped))
	}

	return &Result{
		MainResult: est,
		ModelInfo: ModelInfo{
			NUnits:       len(cases.Units()),
			NPeriods:     len(cases.Periods()),
			ClusterBy:    req.clusterBy(),
			DroppedTerms: model.Dropped,
		},
		Warnings: warnings.List(),
	}, nil
}

// fitTWFE builds and fits the two-way fixed-effects design. An empty
// clusterBy places each row in its own cluster, so standard errors are
// heteroskedasticity-robust rather than clustered.
func fitTWFE(p *panel.Panel, outcome string, controls []string, clusterBy string) (*regress.Model, error) {
	rows := p.Rows()
	n := len(rows)

	y := make([]float64, n)
	treated := make([]float64, n)
	post := make([]float64, n)
	units := make([]string, n)
	years := make([]string, n)
	for i, r := range rows {
		y[i] = r.Value(outcome).Or(0)
		treated[i] = r.Value(panel.ColTreated).Or(0)
		post[i] = r.Value(panel.ColPost).Or(0)
		units[i] = r.UnitID
		years[i] = itoa(r.TimePeriod)
	}

	d := regress.NewDesign(n)
	d.AddIntercept()
	if err := d.Add(panel.ColTreated, treated); err != nil {
		return nil, err
	}
	if err := d.Add(panel.ColPost, post); err != nil {
		return nil, err
	}
	if err := d.AddInteraction(termTreatedPost, treated, post); err != nil {
		return nil, err
	}
	for _, c := range controls {
		vals := make([]float64, n)
		for i, r := range rows {
			vals[i] = r.Value(c).Or(0)
		}
		if err := d.Add(c, vals); err != nil {
			return nil, err
		}
	}
	if err := d.AddCategorical("unit", units); err != nil {
		return nil, err
	}
	if err := d.AddCategorical("year", years); err != nil {
		return nil, err
	}

	clusters := make([]string, n)
	if clusterBy != "" {
		clusters = p.Labels(clusterBy)
	} else {
		for i := range clusters {
			clusters[i] = itoa(i)
		}
	}
	return regress.FitOLS(y, d, clusters)
}

// interactionEstimate extracts the treated:post coefficient, trying both
// term orderings before failing.
func interactionEstimate(m *regress.Model) (causal.Estimate, error) {
	idx, ok := m.Lookup(termTreatedPost)
	if !ok {
		idx, ok = m.Lookup(termPostTreated)
	}
	if !ok {
		return causal.Estimate{}, errors.Estimation("interaction term %s not found in fitted model", termTreatedPost)
	}

	coef := m.Coef[idx]
	se := m.SE[idx]
	return causal.Estimate{
		Coefficient:   core.Float(coef),
		StandardError: core.Float(se),
		PValue:        core.Float(m.PValue[idx]),
		ConfidenceInterval: causal.Interval{
			Lower: core.Float(coef - regress.CriticalZ95*se),
			Upper: core.Float(coef + regress.CriticalZ95*se),
		},
		NObservations: m.N,
		RSquared:      core.Float(m.R2),
	}, nil
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
