// Package matching selects comparison units for synthetic-control-family
// methods by standardized nearest-neighbor distance over pre-treatment
// feature profiles.
package matching

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"portimpact/domain/causal"
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// DefaultFeatures is the fixed profile used to compare municipalities.
// Read-only after initialization.
var DefaultFeatures = []string{
	"pib_per_capita",
	"populacao",
	"empregos_total",
	"empregos_porto",
	"volume_comercio",
	"tonelagem_porto",
}

// Request configures one control-matching run.
type Request struct {
	TreatedIDs    []string
	TreatmentYear int
	MinYear       int // earliest pre-treatment year to average over
	TopN          int
	Features      []string // defaults to DefaultFeatures
}

// Match is one ranked candidate control unit.
type Match struct {
	UnitID     string                    `json:"unit_id"`
	Distance   core.NullFloat            `json:"distance"`
	Similarity core.NullFloat            `json:"similarity"`
	Features   map[string]core.NullFloat `json:"features"`
}

// BalanceRow contrasts treated and selected-control feature means.
type BalanceRow struct {
	Feature     string         `json:"feature"`
	TreatedMean core.NullFloat `json:"treated_mean"`
	ControlMean core.NullFloat `json:"control_mean"`
	Difference  core.NullFloat `json:"difference"`
}

// Result is the matching output: ranked candidates plus a balance table.
type Result struct {
	Matches      []Match      `json:"matches"`
	Balance      []BalanceRow `json:"balance_table"`
	FeaturesUsed []string     `json:"features_used"`
	NCandidates  int          `json:"n_candidates"`
	Warnings     []string     `json:"warnings"`
}

// SuggestControlMatches ranks untreated units by Euclidean distance to the
// treated units' mean pre-treatment profile, each feature standardized by
// the treated profile's own scale. Similarity is 1 - distance/max_distance.
func SuggestControlMatches(p *panel.Panel, req Request) (*Result, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	if req.TopN <= 0 {
		return nil, errors.Validation("number of matches must be positive, got %d", req.TopN)
	}
	if len(req.TreatedIDs) == 0 {
		return nil, errors.Validation("no treated units specified")
	}
	if req.TreatmentYear <= req.MinYear {
		return nil, errors.Validation("treatment year %d must be after the earliest requested year %d", req.TreatmentYear, req.MinYear)
	}

	features := req.Features
	if len(features) == 0 {
		features = DefaultFeatures
	}

	pre := p.Filter(func(r panel.Row) bool {
		return r.TimePeriod >= req.MinYear && r.TimePeriod < req.TreatmentYear
	})
	if pre == nil {
		return nil, errors.Validation("no pre-treatment observations in [%d, %d)", req.MinYear, req.TreatmentYear)
	}

	treated := make(map[string]struct{}, len(req.TreatedIDs))
	for _, id := range req.TreatedIDs {
		treated[id] = struct{}{}
	}

	treatedProfile := profileOf(pre, features, func(r panel.Row) bool {
		_, ok := treated[r.UnitID]
		return ok
	})
	if allMissing(treatedProfile) {
		return nil, errors.Validation("treated units have no usable feature values")
	}

	// Per-candidate mean profiles over the same pre-treatment window.
	candidates := candidateProfiles(pre, features, treated)
	if len(candidates) == 0 {
		return nil, errors.Validation("no untreated candidate units in the panel")
	}

	// Each feature is scaled by the treated profile's own magnitude, so
	// the distance reads as a summed relative deviation from the treated
	// profile.
	var warnings causal.Warnings
	type scored struct {
		unitID   string
		distance float64
		profile  map[string]core.NullFloat
	}
	var ranked []scored
	for _, c := range candidates {
		var sum float64
		var used int
		for _, f := range features {
			t := treatedProfile[f]
			v := c.profile[f]
			if !t.Valid || !v.Valid {
				continue
			}
			scale := math.Abs(t.Value)
			if scale == 0 {
				scale = 1
			}
			z := (v.Value - t.Value) / scale
			sum += z * z
			used++
		}
		if used == 0 {
			continue
		}
		ranked = append(ranked, scored{unitID: c.unitID, distance: math.Sqrt(sum), profile: c.profile})
	}
	if len(ranked) == 0 {
		return nil, errors.Validation("no candidate shares a usable feature with the treated profile")
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].distance != ranked[j].distance {
			return ranked[i].distance < ranked[j].distance
		}
		return ranked[i].unitID < ranked[j].unitID
	})

	maxDist := ranked[len(ranked)-1].distance
	topN := req.TopN
	if topN > len(ranked) {
		warnings.Addf("only %d candidates available for %d requested matches", len(ranked), req.TopN)
		topN = len(ranked)
	}

	matches := make([]Match, topN)
	for i := 0; i < topN; i++ {
		sim := core.Float(1)
		if maxDist > 0 {
			sim = core.Float(1 - ranked[i].distance/maxDist)
		}
		matches[i] = Match{
			UnitID:     ranked[i].unitID,
			Distance:   core.Float(ranked[i].distance),
			Similarity: sim,
			Features:   ranked[i].profile,
		}
	}

	balance := balanceTable(features, treatedProfile, matches)

	return &Result{
		Matches:      matches,
		Balance:      balance,
		FeaturesUsed: features,
		NCandidates:  len(ranked),
		Warnings:     warnings.List(),
	}, nil
}

type candidate struct {
	unitID  string
	profile map[string]core.NullFloat
}

func candidateProfiles(pre *panel.Panel, features []string, treated map[string]struct{}) []candidate {
	var out []candidate
	for _, unit := range pre.Units() {
		if _, ok := treated[unit]; ok {
			continue
		}
		u := unit
		profile := profileOf(pre, features, func(r panel.Row) bool { return r.UnitID == u })
		out = append(out, candidate{unitID: unit, profile: profile})
	}
	return out
}

// profileOf computes the mean of each feature over matching rows, null
// when no valid observation exists.
func profileOf(p *panel.Panel, features []string, match func(panel.Row) bool) map[string]core.NullFloat {
	out := make(map[string]core.NullFloat, len(features))
	for _, f := range features {
		var vals []float64
		for _, r := range p.Rows() {
			if !match(r) {
				continue
			}
			if v := r.Value(f); v.Valid {
				vals = append(vals, v.Value)
			}
		}
		if len(vals) == 0 {
			out[f] = core.NullValue()
			continue
		}
		mean, err := stats.Mean(vals)
		if err != nil {
			out[f] = core.NullValue()
			continue
		}
		out[f] = core.Float(mean)
	}
	return out
}

func allMissing(profile map[string]core.NullFloat) bool {
	for _, v := range profile {
		if v.Valid {
			return false
		}
	}
	return true
}

func balanceTable(features []string, treatedProfile map[string]core.NullFloat, matches []Match) []BalanceRow {
	out := make([]BalanceRow, 0, len(features))
	for _, f := range features {
		var vals []float64
		for _, m := range matches {
			if v := m.Features[f]; v.Valid {
				vals = append(vals, v.Value)
			}
		}
		controlMean := core.NullValue()
		if len(vals) > 0 {
			if mean, err := stats.Mean(vals); err == nil {
				controlMean = core.Float(mean)
			}
		}
		diff := core.NullValue()
		t := treatedProfile[f]
		if t.Valid && controlMean.Valid {
			diff = core.Float(t.Value - controlMean.Value)
		}
		out = append(out, BalanceRow{
			Feature:     f,
			TreatedMean: t,
			ControlMean: controlMean,
			Difference:  diff,
		})
	}
	return out
}
