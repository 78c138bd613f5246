package did

import (
	"fmt"

	"portimpact/domain/causal"
	"portimpact/domain/panel"
	"portimpact/internal/eventstudy"
)

// EventStudyDiagnostic wraps the dynamic decomposition for the diagnostics
// envelope. The embedded result flattens into the section.
type EventStudyDiagnostic struct {
	*eventstudy.Result
	Err string `json:"error,omitempty"`
}

// Diagnostics is the full DiD diagnostic battery. Each section is
// independently success or failure tagged; a failed section carries an
// error string instead of numbers.
type Diagnostics struct {
	ParallelTrends   *ParallelTrendsResult `json:"parallel_trends"`
	EventStudy       *EventStudyDiagnostic `json:"event_study"`
	PlaceboTests     *PlaceboResult        `json:"placebo_tests"`
	DonorSensitivity *SensitivityResult    `json:"donor_sensitivity"`
	Specifications   *SpecificationsResult `json:"specifications"`
}

// RunDiDWithDiagnostics runs the main estimate and the full battery. A
// failing diagnostic is recorded in place and surfaced as a warning; only
// a failing main regression aborts the run.
func (e *Engine) RunDiDWithDiagnostics(p *panel.Panel, req Request) (*Result, error) {
	main, err := e.RunDiD(p, req)
	if err != nil {
		return nil, err
	}

	var warnings causal.Warnings
	for _, w := range main.Warnings {
		if w != causal.NoIssuesSentinel {
			warnings.Add(w)
		}
	}

	diag := &Diagnostics{}

	pt, err := runSection(func() (*ParallelTrendsResult, error) {
		return e.TestParallelTrends(p, req)
	})
	if err != nil {
		diag.ParallelTrends = &ParallelTrendsResult{Err: err.Error()}
		warnings.Addf("parallel-trends test failed: %v", err)
	} else {
		diag.ParallelTrends = pt
		if pt.Verdict == causal.VerdictReject {
			warnings.Add("parallel-trends assumption rejected: the DiD estimate may be biased")
		} else if pt.Verdict == causal.VerdictWeak {
			warnings.Add("parallel-trends assumption is weak (0.05 <= p < 0.10)")
		}
	}

	esEngine := eventstudy.NewEngine()
	es, err := runSection(func() (*eventstudy.Result, error) {
		return esEngine.RunEventStudy(p, eventstudy.Request{
			Outcome:       req.Outcome,
			Controls:      req.Controls,
			ClusterBy:     req.ClusterBy,
			TreatmentTime: req.TreatmentTime,
			PreWindow:     req.PreWindow,
			PostWindow:    req.PostWindow,
		})
	})
	if err != nil {
		diag.EventStudy = &EventStudyDiagnostic{Err: err.Error()}
		warnings.Addf("event-study decomposition failed: %v", err)
	} else {
		diag.EventStudy = &EventStudyDiagnostic{Result: es}
	}

	pl, err := runSection(func() (*PlaceboResult, error) {
		return e.RunPlaceboTests(p, req)
	})
	if err != nil {
		diag.PlaceboTests = &PlaceboResult{Err: err.Error()}
		warnings.Addf("placebo-date tests failed: %v", err)
	} else {
		diag.PlaceboTests = pl
		if pl.Verdict == causal.VerdictFail {
			warnings.Add("placebo dates frequently produce significant effects: the design may detect spurious treatment effects")
		}
	}

	baseline := main.MainResult.Coefficient.Or(0)
	sens, err := runSection(func() (*SensitivityResult, error) {
		return e.DonorSensitivity(p, req, baseline)
	})
	if err != nil {
		diag.DonorSensitivity = &SensitivityResult{Err: err.Error()}
		warnings.Addf("donor sensitivity analysis failed: %v", err)
	} else {
		diag.DonorSensitivity = sens
		if sens.Verdict == causal.VerdictSensitive {
			warnings.Add("estimate is sensitive to single control units")
		}
	}

	specs, err := runSection(func() (*SpecificationsResult, error) {
		return e.RunDiDSpecifications(p, req)
	})
	if err != nil {
		diag.Specifications = &SpecificationsResult{Err: err.Error()}
		warnings.Addf("specification matrix failed: %v", err)
	} else {
		diag.Specifications = specs
	}

	return &Result{
		MainResult:  main.MainResult,
		ModelInfo:   main.ModelInfo,
		Diagnostics: diag,
		Warnings:    warnings.List(),
	}, nil
}

// runSection executes one diagnostic with panic absorption, so a numeric
// blow-up inside a sub-analysis never aborts the main estimate.
func runSection[T any](fn func() (*T, error)) (result *T, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("diagnostic panicked: %v", r)
		}
	}()
	return fn()
}
