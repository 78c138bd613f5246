package panel

import (
	"sort"
	"strconv"
	"strings"

	"portimpact/domain/core"
	"portimpact/internal/errors"
)

// Reserved column names shared across the engine.
const (
	ColUnitID     = "unit_id"
	ColTimePeriod = "time_period"
	ColRegion     = "region_group"
	ColTreated    = "treated"
	ColPost       = "post"
	ColDiD        = "did"
)

// Row is one observation for a (unit, time) pair. Numeric columns live in
// Values; a missing or non-finite measurement is a null, never a NaN.
type Row struct {
	UnitID     string
	TimePeriod int
	Region     string
	Values     map[string]core.NullFloat
}

// Value returns the named numeric column for this row.
func (r Row) Value(column string) core.NullFloat {
	return r.Values[column]
}

// Panel is an immutable entity-by-time table. All derived panels (filters,
// added columns) are fresh copies; the engine never mutates a panel after
// construction.
type Panel struct {
	rows    []Row
	columns []string
}

// New builds a panel from rows, enforcing unique (unit_id, time_period)
// pairs. Column set is the sorted union of row value keys.
func New(rows []Row) (*Panel, error) {
	if len(rows) == 0 {
		return nil, errors.Validation("panel has no rows")
	}

	seen := make(map[string]struct{}, len(rows))
	colSet := make(map[string]struct{})
	copied := make([]Row, len(rows))
	for i, r := range rows {
		key := rowKey(r.UnitID, r.TimePeriod)
		if _, dup := seen[key]; dup {
			return nil, errors.Validation("duplicate observation for unit %q at period %d", r.UnitID, r.TimePeriod)
		}
		seen[key] = struct{}{}

		values := make(map[string]core.NullFloat, len(r.Values))
		for name, v := range r.Values {
			values[name] = v
			colSet[name] = struct{}{}
		}
		copied[i] = Row{
			UnitID:     r.UnitID,
			TimePeriod: r.TimePeriod,
			Region:     r.Region,
			Values:     values,
		}
	}

	columns := make([]string, 0, len(colSet))
	for name := range colSet {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	return &Panel{rows: copied, columns: columns}, nil
}

// MustNew builds a panel and panics on invalid input. Test helper.
func MustNew(rows []Row) *Panel {
	p, err := New(rows)
	if err != nil {
		panic(err)
	}
	return p
}

func rowKey(unitID string, period int) string {
	return unitID + "|" + strconv.Itoa(period)
}

// Len returns the number of observations.
func (p *Panel) Len() int {
	return len(p.rows)
}

// Rows returns the observations in stored order. Callers must not mutate.
func (p *Panel) Rows() []Row {
	return p.rows
}

// Columns returns the sorted numeric column names.
func (p *Panel) Columns() []string {
	return p.columns
}

// HasColumn reports whether the named column exists. The identifier columns
// unit_id and time_period always exist; region_group exists when any row
// carries a region.
func (p *Panel) HasColumn(name string) bool {
	switch name {
	case ColUnitID, ColTimePeriod:
		return true
	case ColRegion:
		for _, r := range p.rows {
			if r.Region != "" {
				return true
			}
		}
		return false
	}
	for _, c := range p.columns {
		if c == name {
			return true
		}
	}
	return false
}

// RequireColumns validates that every named column exists, returning one
// validation error naming all missing columns.
func (p *Panel) RequireColumns(names ...string) error {
	var missing []string
	for _, name := range names {
		if !p.HasColumn(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Validation("panel is missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Column returns the named numeric column in row order.
func (p *Panel) Column(name string) []core.NullFloat {
	out := make([]core.NullFloat, len(p.rows))
	for i, r := range p.rows {
		out[i] = r.Values[name]
	}
	return out
}

// Units returns the distinct unit ids, sorted.
func (p *Panel) Units() []string {
	set := make(map[string]struct{})
	for _, r := range p.rows {
		set[r.UnitID] = struct{}{}
	}
	units := make([]string, 0, len(set))
	for u := range set {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

// Periods returns the distinct time periods, ascending.
func (p *Panel) Periods() []int {
	set := make(map[int]struct{})
	for _, r := range p.rows {
		set[r.TimePeriod] = struct{}{}
	}
	periods := make([]int, 0, len(set))
	for t := range set {
		periods = append(periods, t)
	}
	sort.Ints(periods)
	return periods
}

// Filter returns a new panel holding only rows matching pred. Returns nil
// when no rows match.
func (p *Panel) Filter(pred func(Row) bool) *Panel {
	var kept []Row
	for _, r := range p.rows {
		if pred(r) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	out, err := New(kept)
	if err != nil {
		return nil
	}
	return out
}

// WithColumn returns a new panel with an added (or replaced) column derived
// per row.
func (p *Panel) WithColumn(name string, fn func(Row) core.NullFloat) *Panel {
	rows := make([]Row, len(p.rows))
	for i, r := range p.rows {
		values := make(map[string]core.NullFloat, len(r.Values)+1)
		for k, v := range r.Values {
			values[k] = v
		}
		values[name] = fn(r)
		rows[i] = Row{UnitID: r.UnitID, TimePeriod: r.TimePeriod, Region: r.Region, Values: values}
	}
	out, err := New(rows)
	if err != nil {
		return nil
	}
	return out
}

// CompleteCases returns a new panel holding only rows where every named
// column is valid. Returns nil when no complete rows remain.
func (p *Panel) CompleteCases(columns ...string) *Panel {
	return p.Filter(func(r Row) bool {
		for _, c := range columns {
			switch c {
			case ColUnitID, ColTimePeriod, ColRegion:
				continue
			}
			if !r.Values[c].Valid {
				return false
			}
		}
		return true
	})
}

// Labels returns the named column as string labels in row order, used for
// cluster assignment. unit_id, time_period and region_group resolve to the
// identifier fields; other columns stringify their numeric value.
func (p *Panel) Labels(column string) []string {
	out := make([]string, len(p.rows))
	for i, r := range p.rows {
		switch column {
		case ColUnitID:
			out[i] = r.UnitID
		case ColTimePeriod:
			out[i] = strconv.Itoa(r.TimePeriod)
		case ColRegion:
			out[i] = r.Region
		default:
			v := r.Values[column]
			if v.Valid {
				out[i] = strconv.FormatFloat(v.Value, 'g', -1, 64)
			}
		}
	}
	return out
}

// ByUnit groups rows by unit id, preserving stored row order within a unit.
func (p *Panel) ByUnit() map[string][]Row {
	out := make(map[string][]Row)
	for _, r := range p.rows {
		out[r.UnitID] = append(out[r.UnitID], r)
	}
	return out
}
