package iv

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/regress"
)

// FirstStageResult reports how strongly the instrument moves the
// endogenous regressor.
type FirstStageResult struct {
	Coefficient   core.NullFloat `json:"coefficient"`
	StandardError core.NullFloat `json:"standard_error"`
	PValue        core.NullFloat `json:"p_value"`
	FStatistic    core.NullFloat `json:"f_statistic"`
	Strength      causal.Verdict `json:"strength,omitempty"`
	RSquared      core.NullFloat `json:"r_squared"`
	NObservations int            `json:"n_observations,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// ReducedFormResult regresses the outcome directly on the instrument. A
// significant reduced form with an insignificant IV estimate points at a
// weak-instrument artifact rather than a true null.
type ReducedFormResult struct {
	Coefficient   core.NullFloat `json:"coefficient"`
	StandardError core.NullFloat `json:"standard_error"`
	PValue        core.NullFloat `json:"p_value"`
	NObservations int            `json:"n_observations,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// AlternativeInstrumentRow is one line of the instrument robustness sweep.
type AlternativeInstrumentRow struct {
	Instrument    string         `json:"instrument"`
	Coefficient   core.NullFloat `json:"coefficient"`
	StandardError core.NullFloat `json:"standard_error"`
	PValue        core.NullFloat `json:"p_value"`
	FirstStageF   core.NullFloat `json:"first_stage_f"`
	Strength      causal.Verdict `json:"strength,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// InstrumentSweepResult aggregates the per-instrument results with a
// cross-instrument dispersion check.
type InstrumentSweepResult struct {
	Instruments            []AlternativeInstrumentRow `json:"instruments"`
	CoefficientOfVariation core.NullFloat             `json:"coefficient_of_variation"`
	HighDispersion         bool                       `json:"high_dispersion"`
	Err                    string                     `json:"error,omitempty"`
}

// Diagnostics is the IV diagnostic battery.
type Diagnostics struct {
	FirstStage             *FirstStageResult      `json:"first_stage"`
	ReducedForm            *ReducedFormResult     `json:"reduced_form"`
	AlternativeInstruments *InstrumentSweepResult `json:"alternative_instruments,omitempty"`
}

// highDispersionCV flags instrument sweeps whose coefficients disagree by
// more than half their mean magnitude.
const highDispersionCV = 0.5

// FirstStageDiagnostics regresses the endogenous variable on the
// instrument plus controls and classifies instrument strength by F = t^2.
func (e *Engine) FirstStageDiagnostics(p *panel.Panel, req Request) (*FirstStageResult, error) {
	return e.firstStageFor(p, req, req.Instrument)
}

func (e *Engine) firstStageFor(p *panel.Panel, req Request, instrument string) (*FirstStageResult, error) {
	cases, err := e.completeCases(p, req, instrument)
	if err != nil {
		return nil, err
	}

	rows := cases.Rows()
	n := len(rows)
	d := regress.NewDesign(n)
	d.AddIntercept()
	if err := d.Add(instrument, column(rows, instrument)); err != nil {
		return nil, err
	}
	for _, c := range req.Controls {
		if err := d.Add(c, column(rows, c)); err != nil {
			return nil, err
		}
	}

	model, err := regress.FitOLS(column(rows, req.Endogenous), d, nil)
	if err != nil {
		return nil, err
	}
	idx, ok := model.Lookup(instrument)
	if !ok {
		return nil, errors.Estimation("instrument %s was dropped from the first stage", instrument)
	}

	t := model.TStat[idx]
	f := t * t
	return &FirstStageResult{
		Coefficient:   core.Float(model.Coef[idx]),
		StandardError: core.Float(model.SE[idx]),
		PValue:        core.Float(model.PValue[idx]),
		FStatistic:    core.Float(f),
		Strength:      ClassifyStrength(f),
		RSquared:      core.Float(model.R2),
		NObservations: model.N,
	}, nil
}

// RunReducedForm regresses the outcome directly on the instrument.
func (e *Engine) RunReducedForm(p *panel.Panel, req Request) (*ReducedFormResult, error) {
	cases, err := e.completeCases(p, req, req.Instrument)
	if err != nil {
		return nil, err
	}

	rows := cases.Rows()
	n := len(rows)
	d := regress.NewDesign(n)
	d.AddIntercept()
	if err := d.Add(req.Instrument, column(rows, req.Instrument)); err != nil {
		return nil, err
	}
	for _, c := range req.Controls {
		if err := d.Add(c, column(rows, c)); err != nil {
			return nil, err
		}
	}

	model, err := regress.FitOLS(column(rows, req.Outcome), d, nil)
	if err != nil {
		return nil, err
	}
	idx, ok := model.Lookup(req.Instrument)
	if !ok {
		return nil, errors.Estimation("instrument %s was dropped from the reduced form", req.Instrument)
	}
	return &ReducedFormResult{
		Coefficient:   core.Float(model.Coef[idx]),
		StandardError: core.Float(model.SE[idx]),
		PValue:        core.Float(model.PValue[idx]),
		NObservations: model.N,
	}, nil
}

// TestAlternativeInstruments repeats the full IV and first-stage pipeline
// once per named instrument and flags high cross-instrument dispersion.
func (e *Engine) TestAlternativeInstruments(p *panel.Panel, req Request) (*InstrumentSweepResult, error) {
	instruments := append([]string{req.Instrument}, req.AlternativeInstruments...)
	if len(instruments) < 2 {
		return nil, errors.Validation("instrument sweep needs at least one alternative instrument")
	}

	rows := make([]AlternativeInstrumentRow, len(instruments))
	for i, inst := range instruments {
		rows[i] = e.sweepOne(p, req, inst)
	}

	var coefs []float64
	for _, r := range rows {
		if r.Err == "" && r.Coefficient.Valid {
			coefs = append(coefs, r.Coefficient.Value)
		}
	}

	out := &InstrumentSweepResult{Instruments: rows}
	if len(coefs) >= 2 {
		mean, _ := stats.Mean(coefs)
		std, _ := stats.StandardDeviation(coefs)
		cv := core.NullValue()
		if mean != 0 {
			cv = core.Ratio(std, absFloat(mean))
		}
		out.CoefficientOfVariation = cv
		out.HighDispersion = cv.Valid && cv.Value > highDispersionCV
	}
	return out, nil
}

func (e *Engine) sweepOne(p *panel.Panel, req Request, instrument string) AlternativeInstrumentRow {
	out := AlternativeInstrumentRow{Instrument: instrument}
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Sprintf("instrument sweep panicked: %v", r)
		}
	}()

	altReq := req
	altReq.Instrument = instrument
	res, err := e.RunIV2SLS(p, altReq)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Coefficient = res.MainResult.Coefficient
	out.StandardError = res.MainResult.StandardError
	out.PValue = res.MainResult.PValue

	fs, err := e.firstStageFor(p, req, instrument)
	if err == nil {
		out.FirstStageF = fs.FStatistic
		out.Strength = fs.Strength
	}
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// RunIVWithDiagnostics composes the 2SLS estimate with the full battery
// and flags the weak-identification inconsistency pattern.
func (e *Engine) RunIVWithDiagnostics(p *panel.Panel, req Request) (*Result, error) {
	main, err := e.RunIV2SLS(p, req)
	if err != nil {
		return nil, err
	}

	var warnings causal.Warnings
	diag := &Diagnostics{}

	fs, err := e.FirstStageDiagnostics(p, req)
	if err != nil {
		diag.FirstStage = &FirstStageResult{Err: err.Error()}
		warnings.Addf("first-stage diagnostics failed: %v", err)
	} else {
		diag.FirstStage = fs
		if fs.Strength == causal.VerdictWeakInstrument {
			warnings.Addf("weak instrument: first-stage F=%.2f is below %.0f", fs.FStatistic.Or(0), FStatWeakBelow)
		}
	}

	rf, err := e.RunReducedForm(p, req)
	if err != nil {
		diag.ReducedForm = &ReducedFormResult{Err: err.Error()}
		warnings.Addf("reduced-form check failed: %v", err)
	} else {
		diag.ReducedForm = rf
	}

	if len(req.AlternativeInstruments) > 0 {
		sweep, err := e.TestAlternativeInstruments(p, req)
		if err != nil {
			diag.AlternativeInstruments = &InstrumentSweepResult{Err: err.Error()}
			warnings.Addf("instrument robustness sweep failed: %v", err)
		} else {
			diag.AlternativeInstruments = sweep
			if sweep.HighDispersion {
				warnings.Addf("instrument estimates disagree (CV=%.2f): results are not robust across instruments", sweep.CoefficientOfVariation.Or(0))
			}
		}
	}

	// Reduced form significant but IV not, despite a strong instrument:
	// something other than weak identification is wrong with the model.
	if diag.ReducedForm != nil && diag.ReducedForm.Err == "" && diag.FirstStage != nil && diag.FirstStage.Err == "" {
		rfSig := diag.ReducedForm.PValue.Valid && diag.ReducedForm.PValue.Value < 0.05
		ivSig := main.MainResult.Significant5pct()
		strong := diag.FirstStage.Strength == causal.VerdictStrong
		if rfSig && !ivSig && strong {
			warnings.Add("reduced form is significant but the IV estimate is not, despite a strong instrument: review the model specification")
		}
	}

	main.Diagnostics = diag
	main.Warnings = warnings.List()
	return main, nil
}
