// Package iv implements single-equation two-stage least squares with
// first-stage strength diagnostics, a reduced-form check and a
// multi-instrument robustness sweep.
package iv

import (
	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/regress"
)

// Stock-Yogo rule-of-thumb cutoffs for one instrument and one endogenous
// regressor: F below 10 is weak, 16.38 is the 10% maximal-size critical
// value.
const (
	FStatWeakBelow   = 10.0
	FStatStrongAbove = 16.38
)

// Request configures one IV estimation run.
type Request struct {
	Outcome                string
	Endogenous             string
	Instrument             string
	Controls               []string
	AlternativeInstruments []string
}

// Result is the IV output envelope for one outcome.
type Result struct {
	MainResult  causal.Estimate `json:"main_result"`
	Diagnostics *Diagnostics    `json:"diagnostics,omitempty"`
	Warnings    []string        `json:"warnings"`
}

// Engine runs IV estimations. Stateless.
type Engine struct{}

// NewEngine creates an IV engine.
func NewEngine() *Engine {
	return &Engine{}
}

// RunIV2SLS estimates the structural coefficient of the endogenous
// regressor by two-stage least squares with a single instrument.
func (e *Engine) RunIV2SLS(p *panel.Panel, req Request) (*Result, error) {
	cases, err := e.completeCases(p, req, req.Instrument)
	if err != nil {
		return nil, err
	}

	model, err := fit2SLS(cases, req.Outcome, req.Endogenous, req.Instrument, req.Controls)
	if err != nil {
		return nil, err
	}

	est, err := coefficientEstimate(model, req.Endogenous)
	if err != nil {
		return nil, err
	}

	var warnings causal.Warnings
	return &Result{MainResult: est, Warnings: warnings.List()}, nil
}

func (e *Engine) completeCases(p *panel.Panel, req Request, instrument string) (*panel.Panel, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	required := append([]string{req.Outcome, req.Endogenous, instrument}, req.Controls...)
	if err := p.RequireColumns(required...); err != nil {
		return nil, err
	}
	cases := p.CompleteCases(required...)
	if cases == nil {
		return nil, errors.Validation("no complete observations for outcome %s", req.Outcome)
	}
	return cases, nil
}

// fit2SLS stacks X = [const, endogenous, controls] against
// Z = [const, instrument, controls].
func fit2SLS(p *panel.Panel, outcome, endogenous, instrument string, controls []string) (*regress.TSLS, error) {
	rows := p.Rows()
	n := len(rows)

	y := column(rows, outcome)
	xd := regress.NewDesign(n)
	xd.AddIntercept()
	if err := xd.Add(endogenous, column(rows, endogenous)); err != nil {
		return nil, err
	}
	zd := regress.NewDesign(n)
	zd.AddIntercept()
	if err := zd.Add(instrument, column(rows, instrument)); err != nil {
		return nil, err
	}
	for _, c := range controls {
		vals := column(rows, c)
		if err := xd.Add(c, vals); err != nil {
			return nil, err
		}
		if err := zd.Add(c, vals); err != nil {
			return nil, err
		}
	}
	return regress.FitTSLS(y, xd, zd)
}

func column(rows []panel.Row, name string) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Value(name).Or(0)
	}
	return out
}

func coefficientEstimate(m *regress.TSLS, name string) (causal.Estimate, error) {
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

// ClassifyStrength applies the Stock-Yogo rule of thumb.
func ClassifyStrength(f float64) causal.Verdict {
	switch {
	case f < FStatWeakBelow:
		return causal.VerdictWeakInstrument
	case f < FStatStrongAbove:
		return causal.VerdictMarginal
	default:
		return causal.VerdictStrong
	}
}
