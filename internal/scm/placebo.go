package scm

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"

	"portimpact/domain/core"
)

// maxConcurrentRefits bounds parallel placebo weight solves.
const maxConcurrentRefits = 4

// runPlacebos refits the synthetic control with each donor as the
// pseudo-treated unit. The empirical p-value is the fraction of placebo
// post/pre RMSPE ratios at least as extreme as the true one.
func (e *Engine) runPlacebos(ds *dataset, treatment int, trueRatio core.NullFloat) *PlaceboInference {
	out := &PlaceboInference{EmpiricalP: core.NullValue()}
	if len(ds.donorIDs) < 3 {
		out.Err = fmt.Sprintf("placebo inference needs at least 3 donors, got %d", len(ds.donorIDs))
		return out
	}

	entries := make([]PlaceboEntry, len(ds.donorIDs))
	sem := semaphore.NewWeighted(maxConcurrentRefits)
	ctx := context.Background()
	var wg sync.WaitGroup

	for j := range ds.donorIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			entries[j] = PlaceboEntry{UnitID: ds.donorIDs[j], Err: err.Error()}
			continue
		}
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			defer sem.Release(1)
			entries[j] = runOnePlacebo(ds, j, treatment)
		}(j)
	}
	wg.Wait()
	out.Placebos = entries

	if !trueRatio.Valid {
		out.Err = "true RMSPE ratio is undefined: empirical p-value not computed"
		return out
	}

	usable := 0
	extreme := 0
	for _, p := range entries {
		if p.Err != "" || !p.Ratio.Valid {
			continue
		}
		usable++
		if p.Ratio.Value >= trueRatio.Value {
			extreme++
		}
	}
	if usable == 0 {
		out.Err = "no placebo run produced a usable RMSPE ratio"
		return out
	}

	out.NMoreExtreme = extreme
	out.EmpiricalP = core.Ratio(float64(extreme), float64(usable))
	return out
}

// runOnePlacebo solves weights for pseudo-treated donor j against the
// remaining donors. Panics from the optimizer are recorded, not raised.
func runOnePlacebo(ds *dataset, j int, treatment int) (entry PlaceboEntry) {
	entry.UnitID = ds.donorIDs[j]
	defer func() {
		if r := recover(); r != nil {
			entry.Err = fmt.Sprintf("placebo refit panicked: %v", r)
		}
	}()

	sub := ds.withoutDonor(j)
	sol, err := solveSimplexWeights(preWindow(ds.donorSeries[j], ds, treatment), sub.donorPreMatrix())
	if err != nil {
		entry.Err = err.Error()
		return entry
	}

	var preSq, postSq float64
	var nPre, nPost int
	for i, t := range ds.periods {
		var synth float64
		for k := range sub.donorIDs {
			synth += sol.Weights[k] * sub.donorSeries[k][i]
		}
		gap := ds.donorSeries[j][i] - synth
		if t < treatment {
			preSq += gap * gap
			nPre++
		} else {
			postSq += gap * gap
			nPost++
		}
	}
	if nPre > 0 {
		entry.PrePeriodRMSPE = core.Float(math.Sqrt(preSq / float64(nPre)))
	}
	if nPost > 0 {
		entry.PostPeriodRMSPE = core.Float(math.Sqrt(postSq / float64(nPost)))
	}
	if entry.PrePeriodRMSPE.Valid && entry.PostPeriodRMSPE.Valid {
		entry.Ratio = core.Ratio(entry.PostPeriodRMSPE.Value, entry.PrePeriodRMSPE.Value)
	}
	return entry
}

// withoutDonor returns a view of the dataset with donor j removed from the
// pool. The treated series is untouched; callers supply their own target.
func (ds *dataset) withoutDonor(j int) *dataset {
	ids := make([]string, 0, len(ds.donorIDs)-1)
	series := make([][]float64, 0, len(ds.donorSeries)-1)
	for k := range ds.donorIDs {
		if k == j {
			continue
		}
		ids = append(ids, ds.donorIDs[k])
		series = append(series, ds.donorSeries[k])
	}
	return &dataset{
		treatedID:     ds.treatedID,
		donorIDs:      ids,
		periods:       ds.periods,
		treatedSeries: ds.treatedSeries,
		donorSeries:   series,
		treatment:     ds.treatment,
	}
}

func preWindow(series []float64, ds *dataset, treatment int) []float64 {
	n := ds.nPre(treatment)
	out := make([]float64, n)
	copy(out, series[:n])
	return out
}
