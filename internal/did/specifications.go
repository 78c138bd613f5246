package did

import (
	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// SpecificationRow is one line of the alternative-specification matrix.
type SpecificationRow struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Coefficient   core.NullFloat `json:"coefficient"`
	StandardError core.NullFloat `json:"standard_error"`
	PValue        core.NullFloat `json:"p_value"`
	NObservations int            `json:"n_observations,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// SpecificationsResult holds the four fixed specifications side by side.
// A specification that fails independently carries an error field; it
// never aborts the batch.
type SpecificationsResult struct {
	Specifications []SpecificationRow `json:"specifications"`
	Err            string             `json:"error,omitempty"`
}

// RunDiDSpecifications re-estimates the DiD under four fixed
// specifications: the baseline, without controls, without clustering and
// clustered by time instead of unit.
func (e *Engine) RunDiDSpecifications(p *panel.Panel, req Request) (*SpecificationsResult, error) {
	specs := []struct {
		name        string
		description string
		controls    []string
		clusterBy   string
	}{
		{"baseline", "controls, clustered by " + req.clusterBy(), req.Controls, req.clusterBy()},
		{"no_controls", "treatment terms and fixed effects only", nil, req.clusterBy()},
		{"no_clustering", "heteroskedasticity-robust standard errors, one cluster per row", req.Controls, ""},
		{"cluster_by_time", "standard errors clustered by time period", req.Controls, panel.ColTimePeriod},
	}

	rows := make([]SpecificationRow, len(specs))
	for i, spec := range specs {
		rows[i] = e.runOneSpecification(p, req, spec.name, spec.description, spec.controls, spec.clusterBy)
	}
	return &SpecificationsResult{Specifications: rows}, nil
}

func (e *Engine) runOneSpecification(p *panel.Panel, req Request, name, description string, controls []string, clusterBy string) SpecificationRow {
	out := SpecificationRow{Name: name, Description: description}
	defer func() {
		if r := recover(); r != nil {
			out.Err = errors.Estimation("specification %s panicked: %v", name, r).Error()
		}
	}()

	required := append([]string{req.Outcome, panel.ColTreated, panel.ColPost, panel.ColDiD}, controls...)
	cases := p.CompleteCases(required...)
	if cases == nil {
		out.Err = "no complete observations"
		return out
	}

	model, err := fitTWFE(cases, req.Outcome, controls, clusterBy)
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
	out.StandardError = est.StandardError
	out.PValue = est.PValue
	out.NObservations = est.NObservations
	return out
}
