// Package eventstudy estimates a dynamic treatment-effect path: one
// treatment-by-relative-time interaction per period around the treatment
// date, fitted in a single two-way fixed-effects regression.
package eventstudy

import (
	"fmt"
	"sort"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/regress"
)

// ReferencePeriod is the relative time pinned to zero. The period just
// before treatment anchors the path.
const ReferencePeriod = -1

// DefaultWindow bounds the path when the caller does not set one.
const DefaultWindow = 5

// Request configures one event-study estimation.
type Request struct {
	Outcome       string
	Controls      []string
	ClusterBy     string // defaults to unit_id
	TreatmentTime int
	PreWindow     int // periods before treatment, defaults to 5
	PostWindow    int // periods at and after treatment, defaults to 5
}

func (r Request) windows() (int, int) {
	pre, post := r.PreWindow, r.PostWindow
	if pre <= 0 {
		pre = DefaultWindow
	}
	if post <= 0 {
		post = DefaultWindow
	}
	return pre, post
}

func (r Request) clusterBy() string {
	if r.ClusterBy == "" {
		return panel.ColUnitID
	}
	return r.ClusterBy
}

// Coefficient is one point on the dynamic path.
type Coefficient struct {
	RelativeTime     int            `json:"relative_time"`
	Coefficient      core.NullFloat `json:"coefficient"`
	StandardError    core.NullFloat `json:"standard_error"`
	PValue           core.NullFloat `json:"p_value"`
	CILower          core.NullFloat `json:"ci_lower"`
	CIUpper          core.NullFloat `json:"ci_upper"`
	Period           string         `json:"period"` // "pre", "post" or "reference"
	Significant10pct bool           `json:"significant_10pct"`
}

// Result is the ordered coefficient path plus fit metadata.
type Result struct {
	Coefficients    []Coefficient  `json:"coefficient_path"`
	ReferencePeriod int            `json:"reference_period"`
	TreatmentTime   int            `json:"treatment_time"`
	NObservations   int            `json:"n_observations"`
	NUnits          int            `json:"n_units"`
	RSquared        core.NullFloat `json:"r_squared"`
	Warnings        []string       `json:"warnings"`
}

// Engine runs event-study estimations. Stateless.
type Engine struct{}

// NewEngine creates an event-study engine.
func NewEngine() *Engine {
	return &Engine{}
}

// RunEventStudy fits the dynamic path over the caller-bounded window. The
// reference period (t=-1) is pinned to coefficient 0, SE 0, p-value 1.
// Interaction terms dropped for collinearity are omitted from the path.
func (e *Engine) RunEventStudy(p *panel.Panel, req Request) (*Result, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	required := append([]string{req.Outcome, panel.ColTreated}, req.Controls...)
	if err := p.RequireColumns(required...); err != nil {
		return nil, err
	}

	pre, post := req.windows()
	window := p.Filter(func(r panel.Row) bool {
		rel := r.TimePeriod - req.TreatmentTime
		return rel >= -pre && rel <= post
	})
	if window == nil {
		return nil, errors.Validation("no observations inside the event window [-%d, +%d]", pre, post)
	}
	cases := window.CompleteCases(required...)
	if cases == nil {
		return nil, errors.Validation("no complete observations for outcome %s", req.Outcome)
	}

	rows := cases.Rows()
	n := len(rows)
	y := make([]float64, n)
	treated := make([]float64, n)
	units := make([]string, n)
	years := make([]string, n)
	for i, r := range rows {
		y[i] = r.Value(req.Outcome).Or(0)
		treated[i] = r.Value(panel.ColTreated).Or(0)
		units[i] = r.UnitID
		years[i] = fmt.Sprintf("%d", r.TimePeriod)
	}

	relPeriods := relativePeriods(cases, req.TreatmentTime)

	d := regress.NewDesign(n)
	d.AddIntercept()
	termByRel := make(map[int]string)
	for _, rel := range relPeriods {
		if rel == ReferencePeriod {
			continue
		}
		dummy := make([]float64, n)
		for i, r := range rows {
			if r.TimePeriod-req.TreatmentTime == rel {
				dummy[i] = 1
			}
		}
		term := fmt.Sprintf("treated:rel[%+d]", rel)
		if err := d.AddInteraction(term, treated, dummy); err != nil {
			return nil, err
		}
		termByRel[rel] = term
	}
	for _, c := range req.Controls {
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

	model, err := regress.FitOLS(y, d, cases.Labels(req.clusterBy()))
	if err != nil {
		return nil, err
	}

	var path []Coefficient
	for _, rel := range relPeriods {
		if rel == ReferencePeriod {
			path = append(path, Coefficient{
				RelativeTime:  rel,
				Coefficient:   core.Float(0),
				StandardError: core.Float(0),
				PValue:        core.Float(1),
				CILower:       core.Float(0),
				CIUpper:       core.Float(0),
				Period:        "reference",
			})
			continue
		}
		idx, ok := model.Lookup(termByRel[rel])
		if !ok {
			// Collinearity-dropped: omit silently.
			continue
		}
		coef := model.Coef[idx]
		se := model.SE[idx]
		pval := model.PValue[idx]
		tag := "pre"
		if rel >= 0 {
			tag = "post"
		}
		path = append(path, Coefficient{
			RelativeTime:     rel,
			Coefficient:      core.Float(coef),
			StandardError:    core.Float(se),
			PValue:           core.Float(pval),
			CILower:          core.Float(coef - regress.CriticalZ95*se),
			CIUpper:          core.Float(coef + regress.CriticalZ95*se),
			Period:           tag,
			Significant10pct: pval < 0.10,
		})
	}

	var warnings causal.Warnings
	if len(model.Dropped) > 0 {
		warnings.Addf("%d collinear design columns were dropped", len(model.Dropped))
	}

	return &Result{
		Coefficients:    path,
		ReferencePeriod: ReferencePeriod,
		TreatmentTime:   req.TreatmentTime,
		NObservations:   model.N,
		NUnits:          len(cases.Units()),
		RSquared:        core.Float(model.R2),
		Warnings:        warnings.List(),
	}, nil
}

// relativePeriods lists the distinct relative times in the window,
// ascending. The reference period is included when present in the data.
func relativePeriods(p *panel.Panel, treatmentTime int) []int {
	set := make(map[int]struct{})
	for _, r := range p.Rows() {
		set[r.TimePeriod-treatmentTime] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for rel := range set {
		out = append(out, rel)
	}
	sort.Ints(out)
	return out
}
