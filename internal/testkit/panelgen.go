// Package testkit builds deterministic synthetic panels with known
// data-generating processes for estimator tests.
package testkit

import (
	"math/rand"
	"strconv"

	"portimpact/domain/core"
	"portimpact/domain/panel"
)

// DiDConfig plants a known treatment effect in a unit-by-year panel.
type DiDConfig struct {
	TreatedIDs    []string
	ControlIDs    []string
	StartYear     int
	EndYear       int
	TreatmentYear int
	Effect        float64 // added to treated units from TreatmentYear on
	Noise         float64
	Trend         float64 // common linear year trend
	Seed          int64
}

// DiDPanel generates a panel with unit fixed effects, a shared trend and a
// planted post-treatment shift of cfg.Effect on the pib_log outcome. The
// treated, post and did columns are included.
func DiDPanel(cfg DiDConfig) *panel.Panel {
	rng := rand.New(rand.NewSource(cfg.Seed))

	unitEffect := make(map[string]float64)
	all := append(append([]string{}, cfg.TreatedIDs...), cfg.ControlIDs...)
	for _, id := range all {
		unitEffect[id] = rng.NormFloat64() * 0.5
	}
	treated := make(map[string]bool, len(cfg.TreatedIDs))
	for _, id := range cfg.TreatedIDs {
		treated[id] = true
	}

	var rows []panel.Row
	for _, id := range all {
		for year := cfg.StartYear; year <= cfg.EndYear; year++ {
			y := 10.0 + unitEffect[id] + cfg.Trend*float64(year-cfg.StartYear) + rng.NormFloat64()*cfg.Noise
			isPost := year >= cfg.TreatmentYear
			if treated[id] && isPost {
				y += cfg.Effect
			}
			values := map[string]core.NullFloat{
				"pib_log":        core.Float(y),
				"populacao":      core.Float(50000 + 1000*float64(year-cfg.StartYear) + unitEffect[id]*10000),
				panel.ColTreated: boolCol(treated[id]),
				panel.ColPost:    boolCol(isPost),
				panel.ColDiD:     boolCol(treated[id] && isPost),
			}
			rows = append(rows, panel.Row{UnitID: id, TimePeriod: year, Values: values})
		}
	}
	return panel.MustNew(rows)
}

// DefaultDiDConfig is the 7-unit, 12-year scenario with a 0.15 log-point
// effect starting in 2015.
func DefaultDiDConfig() DiDConfig {
	return DiDConfig{
		TreatedIDs:    []string{"3304557", "3550308"},
		ControlIDs:    []string{"2304400", "2927408", "4106902", "4314902", "5300108"},
		StartYear:     2008,
		EndYear:       2019,
		TreatmentYear: 2015,
		Effect:        0.15,
		Noise:         0.03,
		Trend:         0.02,
		Seed:          42,
	}
}

// IVConfig plants a known structural coefficient with an endogenous
// regressor and a correlated instrument.
type IVConfig struct {
	N     int
	Beta  float64 // structural effect of the endogenous variable
	Rho   float64 // instrument relevance
	Units int
	Seed  int64
}

// IVPanel generates observations where tonelagem_porto is endogenous
// (confounded with the outcome error) and capacidade_porto is a valid
// instrument with first-stage strength Rho.
func IVPanel(cfg IVConfig) *panel.Panel {
	rng := rand.New(rand.NewSource(cfg.Seed))
	if cfg.Units <= 0 {
		cfg.Units = cfg.N
	}

	var rows []panel.Row
	perUnit := cfg.N / cfg.Units
	if perUnit < 1 {
		perUnit = 1
	}
	obs := 0
	for u := 0; obs < cfg.N; u++ {
		id := "unit" + strconv.Itoa(u)
		for t := 0; t < perUnit && obs < cfg.N; t++ {
			z := rng.NormFloat64()
			confounder := rng.NormFloat64()
			x := cfg.Rho*z + 0.5*confounder + rng.NormFloat64()*0.3
			y := cfg.Beta*x + 0.8*confounder + rng.NormFloat64()*0.2
			rows = append(rows, panel.Row{
				UnitID:     id,
				TimePeriod: 2010 + t,
				Values: map[string]core.NullFloat{
					"pib_log":          core.Float(y),
					"tonelagem_porto":  core.Float(x),
					"capacidade_porto": core.Float(z),
				},
			})
			obs++
		}
	}
	return panel.MustNew(rows)
}

// SCMConfig plants a known post-treatment gap on one treated unit whose
// pre-treatment path is an exact convex mix of two donors.
type SCMConfig struct {
	Donors        int
	StartYear     int
	EndYear       int
	TreatmentYear int
	Gap           float64
	Seed          int64
}

// SCMPanel generates a treated unit tracking 0.6*donor0 + 0.4*donor1 before
// treatment, then shifted by cfg.Gap afterwards.
func SCMPanel(cfg SCMConfig) *panel.Panel {
	rng := rand.New(rand.NewSource(cfg.Seed))

	donorSeries := make([][]float64, cfg.Donors)
	years := cfg.EndYear - cfg.StartYear + 1
	for d := range donorSeries {
		base := 8.0 + rng.NormFloat64()
		donorSeries[d] = make([]float64, years)
		for i := 0; i < years; i++ {
			donorSeries[d][i] = base + 0.05*float64(i) + rng.NormFloat64()*0.02
		}
	}

	var rows []panel.Row
	for d, series := range donorSeries {
		id := "donor" + strconv.Itoa(d)
		for i, v := range series {
			rows = append(rows, panel.Row{
				UnitID:     id,
				TimePeriod: cfg.StartYear + i,
				Values:     map[string]core.NullFloat{"pib_log": core.Float(v)},
			})
		}
	}
	for i := 0; i < years; i++ {
		year := cfg.StartYear + i
		v := 0.6*donorSeries[0][i] + 0.4*donorSeries[1][i]
		if year >= cfg.TreatmentYear {
			v += cfg.Gap
		}
		rows = append(rows, panel.Row{
			UnitID:     "treated",
			TimePeriod: year,
			Values:     map[string]core.NullFloat{"pib_log": core.Float(v)},
		})
	}
	return panel.MustNew(rows)
}

func boolCol(b bool) core.NullFloat {
	if b {
		return core.Float(1)
	}
	return core.Float(0)
}
