package causal

import (
	"fmt"

	"portimpact/domain/core"
)

// Method identifies one estimation method in the registry.
type Method string

const (
	MethodDiD          Method = "did"
	MethodIV           Method = "iv"
	MethodPanelIV      Method = "panel_iv"
	MethodEventStudy   Method = "event_study"
	MethodSCM          Method = "scm"
	MethodAugmentedSCM Method = "augmented_scm"
	MethodCompare      Method = "compare"
)

// Verdict is a machine-readable diagnostic conclusion.
type Verdict string

const (
	// Parallel-trends and placebo verdicts
	VerdictPass   Verdict = "PASS"
	VerdictWeak   Verdict = "WEAK"
	VerdictReject Verdict = "REJECT"
	VerdictFail   Verdict = "FAIL"

	// Donor-sensitivity verdicts
	VerdictRobust    Verdict = "ROBUST"
	VerdictModerate  Verdict = "MODERATE"
	VerdictSensitive Verdict = "SENSITIVE"

	// Instrument-strength verdicts (Stock-Yogo rule of thumb)
	VerdictWeakInstrument Verdict = "WEAK"
	VerdictMarginal       Verdict = "MARGINAL"
	VerdictStrong         Verdict = "STRONG"
)

// Interval is a two-sided confidence interval. Either bound may be null
// when the underlying standard error could not be computed.
type Interval struct {
	Lower core.NullFloat `json:"lower"`
	Upper core.NullFloat `json:"upper"`
}

// Estimate carries the fields every method reports for one outcome.
type Estimate struct {
	Coefficient        core.NullFloat `json:"coefficient"`
	StandardError      core.NullFloat `json:"standard_error"`
	PValue             core.NullFloat `json:"p_value"`
	ConfidenceInterval Interval       `json:"confidence_interval"`
	NObservations      int            `json:"n_observations"`
	RSquared           core.NullFloat `json:"r_squared,omitempty"`
}

// Significant10pct reports whether the estimate clears the 10% level.
func (e Estimate) Significant10pct() bool {
	return e.PValue.Valid && e.PValue.Value < 0.10
}

// Significant5pct reports whether the estimate clears the 5% level.
func (e Estimate) Significant5pct() bool {
	return e.PValue.Valid && e.PValue.Value < 0.05
}

// NoIssuesSentinel is appended to the warning list when an estimation run
// produced no advisories, so the list is never empty on success.
const NoIssuesSentinel = "no issues detected by automated checks"

// Warnings is the ordered advisory list accumulated during one run.
type Warnings struct {
	items []string
}

// Add appends an advisory.
func (w *Warnings) Add(msg string) {
	w.items = append(w.items, msg)
}

// Addf appends a formatted advisory.
func (w *Warnings) Addf(format string, args ...interface{}) {
	w.items = append(w.items, fmt.Sprintf(format, args...))
}

// List finalizes the warnings: never empty, the sentinel stands in when
// nothing else qualified.
func (w *Warnings) List() []string {
	if len(w.items) == 0 {
		return []string{NoIssuesSentinel}
	}
	out := make([]string, len(w.items))
	copy(out, w.items)
	return out
}
