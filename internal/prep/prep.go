// Package prep builds the canonical analysis panel: treatment flags,
// region grouping, aggregation and log transforms. All numeric edge cases
// (log of a non-positive value, unknown region prefix) resolve to null
// values rather than errors.
package prep

import (
	"strconv"

	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// Scope controls how the control pool is restricted when building a DiD
// panel.
const (
	ScopeState = "state"
	ScopeAll   = "all"
)

// ufByPrefix maps the first two digits of a 7-digit IBGE municipal code to
// its state. Read-only after initialization.
var ufByPrefix = map[string]string{
	"11": "RO", "12": "AC", "13": "AM", "14": "RR", "15": "PA",
	"16": "AP", "17": "TO", "21": "MA", "22": "PI", "23": "CE",
	"24": "RN", "25": "PB", "26": "PE", "27": "AL", "28": "SE",
	"29": "BA", "31": "MG", "32": "ES", "33": "RJ", "35": "SP",
	"41": "PR", "42": "SC", "43": "RS", "50": "MS", "51": "MT",
	"52": "GO", "53": "DF",
}

// DeriveUF maps a 7-digit municipal code to its state code via the two
// leading digits. Unrecognized prefixes yield ok=false, never an error.
func DeriveUF(unitID string) (string, bool) {
	if len(unitID) < 2 {
		return "", false
	}
	uf, ok := ufByPrefix[unitID[:2]]
	return uf, ok
}

// AnnotateRegions returns a panel with each row's region derived from its
// unit id. Rows whose prefix is unknown keep an empty region.
func AnnotateRegions(p *panel.Panel) *panel.Panel {
	rows := make([]panel.Row, 0, p.Len())
	for _, r := range p.Rows() {
		if r.Region == "" {
			if uf, ok := DeriveUF(r.UnitID); ok {
				r.Region = uf
			}
		}
		rows = append(rows, r)
	}
	out, err := panel.New(rows)
	if err != nil {
		return p
	}
	return out
}

// BuildDiDPanel derives the treated, post and did columns and optionally
// restricts the control pool to regions containing at least one treated
// unit. Treated status is time-invariant by construction.
func BuildDiDPanel(p *panel.Panel, treatedIDs []string, treatmentTime int, scope string) (*panel.Panel, error) {
	if p == nil || p.Len() == 0 {
		return nil, errors.Validation("panel has no rows")
	}
	if len(treatedIDs) == 0 {
		return nil, errors.Validation("no treated units specified")
	}
	if scope != ScopeState && scope != ScopeAll {
		return nil, errors.Validation("unknown scope %q: expected %q or %q", scope, ScopeState, ScopeAll)
	}

	periods := p.Periods()
	minT, maxT := periods[0], periods[len(periods)-1]
	if treatmentTime <= minT || treatmentTime > maxT {
		return nil, errors.Validation("treatment time %d is outside the panel range (%d, %d]", treatmentTime, minT, maxT)
	}

	treated := make(map[string]struct{}, len(treatedIDs))
	for _, id := range treatedIDs {
		treated[id] = struct{}{}
	}

	units := make(map[string]struct{})
	for _, u := range p.Units() {
		units[u] = struct{}{}
	}
	found := false
	for id := range treated {
		if _, ok := units[id]; ok {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Validation("none of the treated units are present in the panel")
	}

	annotated := AnnotateRegions(p)

	if scope == ScopeState {
		treatedRegions := make(map[string]struct{})
		for _, r := range annotated.Rows() {
			if _, ok := treated[r.UnitID]; ok && r.Region != "" {
				treatedRegions[r.Region] = struct{}{}
			}
		}
		if len(treatedRegions) > 0 {
			annotated = annotated.Filter(func(r panel.Row) bool {
				_, ok := treatedRegions[r.Region]
				return ok
			})
			if annotated == nil {
				return nil, errors.Validation("state scoping removed every row")
			}
		}
	}

	withTreated := annotated.WithColumn(panel.ColTreated, func(r panel.Row) core.NullFloat {
		if _, ok := treated[r.UnitID]; ok {
			return core.Float(1)
		}
		return core.Float(0)
	})
	withPost := withTreated.WithColumn(panel.ColPost, func(r panel.Row) core.NullFloat {
		if r.TimePeriod >= treatmentTime {
			return core.Float(1)
		}
		return core.Float(0)
	})
	out := withPost.WithColumn(panel.ColDiD, func(r panel.Row) core.NullFloat {
		t := r.Value(panel.ColTreated).Or(0)
		post := r.Value(panel.ColPost).Or(0)
		return core.Float(t * post)
	})
	return out, nil
}

// AggregateByRegion collapses a unit-level panel to one row per
// (region, period): sumColumns are summed, meanColumns averaged over rows
// with valid values. Rows without a derivable region are dropped.
func AggregateByRegion(p *panel.Panel, sumColumns, meanColumns []string) (*panel.Panel, error) {
	annotated := AnnotateRegions(p)

	type acc struct {
		region string
		period int
		sums   map[string]float64
		means  map[string]*meanAcc
	}
	groups := make(map[string]*acc)
	var order []string

	for _, r := range annotated.Rows() {
		if r.Region == "" {
			continue
		}
		key := r.Region + "|" + itoa(r.TimePeriod)
		g, ok := groups[key]
		if !ok {
			g = &acc{region: r.Region, period: r.TimePeriod, sums: map[string]float64{}, means: map[string]*meanAcc{}}
			groups[key] = g
			order = append(order, key)
		}
		for _, col := range sumColumns {
			if v := r.Value(col); v.Valid {
				g.sums[col] += v.Value
			}
		}
		for _, col := range meanColumns {
			m := g.means[col]
			if m == nil {
				m = &meanAcc{}
				g.means[col] = m
			}
			if v := r.Value(col); v.Valid {
				m.sum += v.Value
				m.n++
			}
		}
	}

	if len(order) == 0 {
		return nil, errors.Validation("no rows with a derivable region to aggregate")
	}

	rows := make([]panel.Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		values := make(map[string]core.NullFloat, len(sumColumns)+len(meanColumns))
		for _, col := range sumColumns {
			values[col] = core.Float(g.sums[col])
		}
		for _, col := range meanColumns {
			m := g.means[col]
			if m == nil || m.n == 0 {
				values[col] = core.NullValue()
			} else {
				values[col] = core.Ratio(m.sum, float64(m.n))
			}
		}
		rows = append(rows, panel.Row{UnitID: g.region, TimePeriod: g.period, Region: g.region, Values: values})
	}
	return panel.New(rows)
}

type meanAcc struct {
	sum float64
	n   int
}

// WithLogColumns appends a ln-transformed copy of each named column, using
// the "_log" suffix. Non-positive and missing inputs map to null.
func WithLogColumns(p *panel.Panel, columns ...string) *panel.Panel {
	out := p
	for _, col := range columns {
		src := col
		out = out.WithColumn(src+"_log", func(r panel.Row) core.NullFloat {
			v := r.Value(src)
			if !v.Valid {
				return core.NullValue()
			}
			return core.Log(v.Value)
		})
	}
	return out
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
