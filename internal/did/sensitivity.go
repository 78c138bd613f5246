package did

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/semaphore"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// JackknifeEstimate is one leave-one-control-out re-estimate.
type JackknifeEstimate struct {
	ExcludedUnit string         `json:"excluded_unit"`
	Coefficient  core.NullFloat `json:"coefficient"`
	PValue       core.NullFloat `json:"p_value"`
	Err          string         `json:"error,omitempty"`
}

// SensitivityResult summarizes how much the DiD coefficient moves when
// single control units are removed from the donor pool.
type SensitivityResult struct {
	Verdict             causal.Verdict      `json:"verdict,omitempty"`
	BaselineCoefficient core.NullFloat      `json:"baseline_coefficient"`
	Mean                core.NullFloat      `json:"mean"`
	Std                 core.NullFloat      `json:"std"`
	Min                 core.NullFloat      `json:"min"`
	Max                 core.NullFloat      `json:"max"`
	StabilityRatio      core.NullFloat      `json:"stability_ratio"`
	Estimates           []JackknifeEstimate `json:"estimates"`
	Err                 string              `json:"error,omitempty"`
}

// DonorSensitivity re-estimates the DiD once per control unit with that
// unit excluded. The verdict compares the spread of the jackknife
// coefficients against the baseline estimate.
func (e *Engine) DonorSensitivity(p *panel.Panel, req Request, baselineCoef float64) (*SensitivityResult, error) {
	if err := p.RequireColumns(panel.ColTreated); err != nil {
		return nil, err
	}

	var controls []string
	seen := make(map[string]struct{})
	for _, r := range p.Rows() {
		if r.Value(panel.ColTreated).Or(0) != 0 {
			continue
		}
		if _, ok := seen[r.UnitID]; ok {
			continue
		}
		seen[r.UnitID] = struct{}{}
		controls = append(controls, r.UnitID)
	}
	if len(controls) < 2 {
		return nil, errors.Validation("donor sensitivity needs at least 2 control units, got %d", len(controls))
	}
	// Rows may arrive in any order; the report is keyed ascending by unit.
	sort.Strings(controls)

	estimates := make([]JackknifeEstimate, len(controls))
	sem := semaphore.NewWeighted(maxConcurrentRefits)
	var wg sync.WaitGroup
	ctx := context.Background()

	for i, unit := range controls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(slot int, excluded string) {
			defer wg.Done()
			defer sem.Release(1)
			estimates[slot] = e.runWithoutUnit(p, req, excluded)
		}(i, unit)
	}
	wg.Wait()

	var coefs []float64
	for _, est := range estimates {
		if est.Err == "" && est.Coefficient.Valid {
			coefs = append(coefs, est.Coefficient.Value)
		}
	}
	if len(coefs) == 0 {
		return nil, errors.Estimation("every jackknife re-estimation failed")
	}

	mean, _ := stats.Mean(coefs)
	std, _ := stats.StandardDeviation(coefs)
	minC, _ := stats.Min(coefs)
	maxC, _ := stats.Max(coefs)

	ratio := core.NullValue()
	verdict := causal.VerdictSensitive
	if abs := math.Abs(baselineCoef); abs > 0 {
		ratio = core.Ratio(std, abs)
	}
	switch {
	case ratio.Valid && ratio.Value < 0.3:
		verdict = causal.VerdictRobust
	case ratio.Valid && ratio.Value < 0.7:
		verdict = causal.VerdictModerate
	}

	return &SensitivityResult{
		Verdict:             verdict,
		BaselineCoefficient: core.Float(baselineCoef),
		Mean:                core.Float(mean),
		Std:                 core.Float(std),
		Min:                 core.Float(minC),
		Max:                 core.Float(maxC),
		StabilityRatio:      ratio,
		Estimates:           estimates,
	}, nil
}

func (e *Engine) runWithoutUnit(p *panel.Panel, req Request, excluded string) JackknifeEstimate {
	out := JackknifeEstimate{ExcludedUnit: excluded}
	defer func() {
		if r := recover(); r != nil {
			out.Err = errors.Estimation("jackknife refit for %s panicked: %v", excluded, r).Error()
		}
	}()

	subset := p.Filter(func(r panel.Row) bool { return r.UnitID != excluded })
	if subset == nil {
		out.Err = "exclusion removed every row"
		return out
	}
	res, err := e.RunDiD(subset, req)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Coefficient = res.MainResult.Coefficient
	out.PValue = res.MainResult.PValue
	return out
}
