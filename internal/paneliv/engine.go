// Package paneliv implements two-stage least squares over
// within-transformed panel data with optional entity and time fixed
// effects, plus a four-specification robustness matrix.
package paneliv

import (
	"fmt"
	"sort"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/iv"
	"portimpact/internal/regress"
)

// Request configures one panel IV estimation run.
type Request struct {
	Outcome       string
	Endogenous    string
	Instrument    string
	Controls      []string
	EntityEffects bool
	TimeEffects   bool
}

// ModelInfo records which effects were applied and the panel dimensions.
type ModelInfo struct {
	EntityEffects bool `json:"entity_effects"`
	TimeEffects   bool `json:"time_effects"`
	NEntities     int  `json:"n_entities"`
	NTimePeriods  int  `json:"n_time_periods"`
}

// SpecificationRow is one line of the fixed-effects robustness matrix.
type SpecificationRow struct {
	Name          string         `json:"name"`
	EntityEffects bool           `json:"entity_effects"`
	TimeEffects   bool           `json:"time_effects"`
	Coefficient   core.NullFloat `json:"coefficient"`
	StandardError core.NullFloat `json:"standard_error"`
	PValue        core.NullFloat `json:"p_value"`
	Err           string         `json:"error,omitempty"`
}

// Result is the panel IV output envelope for one outcome.
type Result struct {
	MainResult     causal.Estimate      `json:"main_result"`
	FirstStage     *iv.FirstStageResult `json:"first_stage"`
	ModelInfo      ModelInfo            `json:"model_info"`
	Specifications []SpecificationRow   `json:"specifications,omitempty"`
	Warnings       []string             `json:"warnings"`
}

// Engine runs panel IV estimations. Stateless.
type Engine struct{}

// NewEngine creates a panel IV engine.
func NewEngine() *Engine {
	return &Engine{}
}

// RunPanelIV within-transforms the variables when entity effects are
// requested, adds time dummies when time effects are requested, runs 2SLS
// on the transformed data and always reports the first stage.
func (e *Engine) RunPanelIV(p *panel.Panel, req Request) (*Result, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	required := append([]string{req.Outcome, req.Endogenous, req.Instrument}, req.Controls...)
	if err := p.RequireColumns(required...); err != nil {
		return nil, err
	}
	cases := p.CompleteCases(required...)
	if cases == nil {
		return nil, errors.Validation("no complete observations for outcome %s", req.Outcome)
	}

	model, firstStage, err := e.fit(cases, req)
	if err != nil {
		return nil, err
	}

	est, err := estimateOf(model, req.Endogenous)
	if err != nil {
		return nil, err
	}

	var warnings causal.Warnings
	if firstStage.Strength == causal.VerdictWeakInstrument {
		warnings.Addf("weak instrument: first-stage F=%.2f is below %.0f", firstStage.FStatistic.Or(0), iv.FStatWeakBelow)
	}

	return &Result{
		MainResult: est,
		FirstStage: firstStage,
		ModelInfo: ModelInfo{
			EntityEffects: req.EntityEffects,
			TimeEffects:   req.TimeEffects,
			NEntities:     len(cases.Units()),
			NTimePeriods:  len(cases.Periods()),
		},
		Warnings: warnings.List(),
	}, nil
}

// fit prepares the transformed columns and runs both stages.
func (e *Engine) fit(cases *panel.Panel, req Request) (*regress.TSLS, *iv.FirstStageResult, error) {
	rows := cases.Rows()
	n := len(rows)

	names := append([]string{req.Outcome, req.Endogenous, req.Instrument}, req.Controls...)
	cols := make(map[string][]float64, len(names))
	for _, name := range names {
		vals := make([]float64, n)
		for i, r := range rows {
			vals[i] = r.Value(name).Or(0)
		}
		cols[name] = vals
	}

	if req.EntityEffects {
		for _, name := range names {
			cols[name] = withinTransform(rows, cols[name])
		}
	}

	y := cols[req.Outcome]

	xd := regress.NewDesign(n)
	xd.AddIntercept()
	if err := xd.Add(req.Endogenous, cols[req.Endogenous]); err != nil {
		return nil, nil, err
	}
	zd := regress.NewDesign(n)
	zd.AddIntercept()
	if err := zd.Add(req.Instrument, cols[req.Instrument]); err != nil {
		return nil, nil, err
	}
	fsd := regress.NewDesign(n)
	fsd.AddIntercept()
	if err := fsd.Add(req.Instrument, cols[req.Instrument]); err != nil {
		return nil, nil, err
	}

	for _, c := range req.Controls {
		if err := xd.Add(c, cols[c]); err != nil {
			return nil, nil, err
		}
		if err := zd.Add(c, cols[c]); err != nil {
			return nil, nil, err
		}
		if err := fsd.Add(c, cols[c]); err != nil {
			return nil, nil, err
		}
	}

	if req.TimeEffects {
		for _, dummy := range timeDummies(rows) {
			if err := xd.Add(dummy.name, dummy.col); err != nil {
				return nil, nil, err
			}
			if err := zd.Add(dummy.name, dummy.col); err != nil {
				return nil, nil, err
			}
			if err := fsd.Add(dummy.name, dummy.col); err != nil {
				return nil, nil, err
			}
		}
	}

	model, err := regress.FitTSLS(y, xd, zd)
	if err != nil {
		return nil, nil, err
	}

	firstStage, err := fitFirstStage(cols[req.Endogenous], fsd, req.Instrument)
	if err != nil {
		return nil, nil, err
	}
	return model, firstStage, nil
}

// fitFirstStage runs the diagnostic OLS of the (transformed) endogenous
// variable on the (transformed) instrument block.
func fitFirstStage(endog []float64, d *regress.Design, instrument string) (*iv.FirstStageResult, error) {
	model, err := regress.FitOLS(endog, d, nil)
	if err != nil {
		return nil, err
	}
	idx, ok := model.Lookup(instrument)
	if !ok {
		return nil, errors.Estimation("instrument %s was dropped from the first stage", instrument)
	}
	t := model.TStat[idx]
	f := t * t
	return &iv.FirstStageResult{
		Coefficient:   core.Float(model.Coef[idx]),
		StandardError: core.Float(model.SE[idx]),
		PValue:        core.Float(model.PValue[idx]),
		FStatistic:    core.Float(f),
		Strength:      iv.ClassifyStrength(f),
		RSquared:      core.Float(model.R2),
		NObservations: model.N,
	}, nil
}

// withinTransform subtracts each entity's own mean, removing entity fixed
// effects from the variable.
func withinTransform(rows []panel.Row, vals []float64) []float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i, r := range rows {
		sums[r.UnitID] += vals[i]
		counts[r.UnitID]++
	}
	out := make([]float64, len(vals))
	for i, r := range rows {
		out[i] = vals[i] - sums[r.UnitID]/float64(counts[r.UnitID])
	}
	return out
}

type dummyCol struct {
	name string
	col  []float64
}

// timeDummies builds one-hot columns for every period except the earliest.
func timeDummies(rows []panel.Row) []dummyCol {
	set := make(map[int]struct{})
	for _, r := range rows {
		set[r.TimePeriod] = struct{}{}
	}
	periods := make([]int, 0, len(set))
	for t := range set {
		periods = append(periods, t)
	}
	sort.Ints(periods)

	out := make([]dummyCol, 0, len(periods)-1)
	for _, t := range periods[1:] {
		col := make([]float64, len(rows))
		for i, r := range rows {
			if r.TimePeriod == t {
				col[i] = 1
			}
		}
		out = append(out, dummyCol{name: fmt.Sprintf("year[%d]", t), col: col})
	}
	return out
}

func estimateOf(m *regress.TSLS, name string) (causal.Estimate, error) {
	idx, ok := m.Lookup(name)
	if !ok {
		return causal.Estimate{}, errors.Estimation("coefficient %s not found in fitted model", name)
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
	}, nil
}

// RunPanelIVWithDiagnostics adds the three alternative fixed-effects
// specifications for a four-row robustness table.
func (e *Engine) RunPanelIVWithDiagnostics(p *panel.Panel, req Request) (*Result, error) {
	main, err := e.RunPanelIV(p, req)
	if err != nil {
		return nil, err
	}

	specs := []struct {
		name           string
		entity, timeFE bool
	}{
		{"main", req.EntityEffects, req.TimeEffects},
		{"entity_only", true, false},
		{"time_only", false, true},
		{"pooled", false, false},
	}

	table := make([]SpecificationRow, len(specs))
	for i, spec := range specs {
		table[i] = e.runSpecification(p, req, spec.name, spec.entity, spec.timeFE)
	}
	main.Specifications = table
	return main, nil
}

func (e *Engine) runSpecification(p *panel.Panel, req Request, name string, entity, timeFE bool) SpecificationRow {
	out := SpecificationRow{Name: name, EntityEffects: entity, TimeEffects: timeFE}
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Sprintf("specification %s panicked: %v", name, r)
		}
	}()

	altReq := req
	altReq.EntityEffects = entity
	altReq.TimeEffects = timeFE
	res, err := e.RunPanelIV(p, altReq)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Coefficient = res.MainResult.Coefficient
	out.StandardError = res.MainResult.StandardError
	out.PValue = res.MainResult.PValue
	return out
}
