package did

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// maxConcurrentRefits bounds the in-flight re-estimations inside placebo
// and jackknife loops. Output order is fixed by sort keys, never by
// completion order.
const maxConcurrentRefits = 4

// PlaceboEstimate is one artificial-treatment-year re-estimate.
type PlaceboEstimate struct {
	PlaceboYear   int            `json:"placebo_year"`
	Coefficient   core.NullFloat `json:"coefficient"`
	PValue        core.NullFloat `json:"p_value"`
	Significant   bool           `json:"significant_10pct"`
	NObservations int            `json:"n_observations,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// PlaceboResult aggregates the placebo-date battery.
type PlaceboResult struct {
	Verdict             causal.Verdict    `json:"verdict,omitempty"`
	Placebos            []PlaceboEstimate `json:"placebos"`
	NTested             int               `json:"n_tested"`
	FractionSignificant core.NullFloat    `json:"fraction_significant"`
	Err                 string            `json:"error,omitempty"`
}

// RunPlaceboTests re-estimates the DiD with artificial treatment years
// strictly before the real one, using only pre-real-treatment data. Many
// significant placebos mean the design finds effects where none should
// exist.
func (e *Engine) RunPlaceboTests(p *panel.Panel, req Request) (*PlaceboResult, error) {
	pre := p.Filter(func(r panel.Row) bool { return r.TimePeriod < req.TreatmentTime })
	if pre == nil {
		return nil, errors.Validation("no pre-treatment observations before %d", req.TreatmentTime)
	}

	periods := pre.Periods()
	if len(periods) < 3 {
		return nil, errors.Validation("placebo tests need at least 3 pre-periods, got %d", len(periods))
	}

	// Every candidate year leaves at least one pre and one post period
	// inside the pre-treatment sample.
	var candidates []int
	for _, year := range periods {
		if year > periods[0] && year <= periods[len(periods)-1] {
			candidates = append(candidates, year)
		}
	}

	estimates := make([]PlaceboEstimate, len(candidates))
	sem := semaphore.NewWeighted(maxConcurrentRefits)
	var wg sync.WaitGroup
	ctx := context.Background()

	for i, year := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(slot, placeboYear int) {
			defer wg.Done()
			defer sem.Release(1)
			estimates[slot] = e.runOnePlacebo(pre, req, placeboYear)
		}(i, year)
	}
	wg.Wait()

	var tested, significant int
	for _, pl := range estimates {
		if pl.Err != "" {
			continue
		}
		tested++
		if pl.Significant {
			significant++
		}
	}
	if tested == 0 {
		return nil, errors.Estimation("no placebo re-estimation succeeded")
	}

	frac := float64(significant) / float64(tested)
	verdict := causal.VerdictPass
	switch {
	case frac > 0.5:
		verdict = causal.VerdictFail
	case frac > 0.25:
		verdict = causal.VerdictWeak
	}

	return &PlaceboResult{
		Verdict:             verdict,
		Placebos:            estimates,
		NTested:             tested,
		FractionSignificant: core.Float(frac),
	}, nil
}

func (e *Engine) runOnePlacebo(pre *panel.Panel, req Request, placeboYear int) PlaceboEstimate {
	out := PlaceboEstimate{PlaceboYear: placeboYear}
	defer func() {
		if r := recover(); r != nil {
			out.Err = errors.Estimation("placebo %d panicked: %v", placeboYear, r).Error()
		}
	}()

	reflagged := pre.WithColumn(panel.ColPost, func(r panel.Row) core.NullFloat {
		if r.TimePeriod >= placeboYear {
			return core.Float(1)
		}
		return core.Float(0)
	})
	reflagged = reflagged.WithColumn(panel.ColDiD, func(r panel.Row) core.NullFloat {
		return core.Float(r.Value(panel.ColTreated).Or(0) * r.Value(panel.ColPost).Or(0))
	})

	required := append([]string{req.Outcome, panel.ColTreated, panel.ColPost, panel.ColDiD}, req.Controls...)
	cases := reflagged.CompleteCases(required...)
	if cases == nil {
		out.Err = "no complete observations"
		return out
	}

	model, err := fitTWFE(cases, req.Outcome, req.Controls, req.clusterBy())
	if err != nil {
		out.Err = err.Error()
		return out
	}
	est, err := interactionEstimate(model)
	if err != nil {
		out.Err = err.Error()
		return out
	}

	out.Coefficient = est.Coefficient
	out.PValue = est.PValue
	out.Significant = est.Significant10pct()
	out.NObservations = est.NObservations
	return out
}
