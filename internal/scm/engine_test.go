package scm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
	"portimpact/internal/testkit"
)

func scmConfig() testkit.SCMConfig {
	return testkit.SCMConfig{
		Donors:        5,
		StartYear:     2005,
		EndYear:       2019,
		TreatmentYear: 2014,
		Gap:           0.3,
		Seed:          42,
	}
}

func scmRequest() Request {
	return Request{
		Outcome:       "pib_log",
		TreatedIDs:    []string{"treated"},
		TreatmentTime: 2014,
	}
}

func TestRunSCM_RecoversPlantedGap(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	res, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.NoError(t, err)

	require.True(t, res.MainResult.PostATT.Valid)
	assert.InDelta(t, 0.3, res.MainResult.PostATT.Value, 0.1)
	assert.Equal(t, "treated", res.MainResult.TreatedUnit)
	assert.Equal(t, 15, res.MainResult.NObservations)

	// The treated path is an exact 0.6/0.4 mix of the first two donors.
	byID := make(map[string]float64, len(res.Weights))
	var sum float64
	for _, w := range res.Weights {
		byID[w.UnitID] = w.Weight
		assert.GreaterOrEqual(t, w.Weight, 0.0)
		sum += w.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.InDelta(t, 0.6, byID["donor0"], 0.15)
	assert.InDelta(t, 0.4, byID["donor1"], 0.15)
}

func TestRunSCM_SeriesGapIsActualMinusSynthetic(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	res, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.NoError(t, err)

	require.Len(t, res.Series, 15)
	for i, pt := range res.Series {
		require.True(t, pt.Actual.Valid)
		require.True(t, pt.Synthetic.Valid)
		require.True(t, pt.Gap.Valid)
		assert.InDelta(t, pt.Actual.Value-pt.Synthetic.Value, pt.Gap.Value, 1e-9)
		if i > 0 {
			assert.Greater(t, pt.Period, res.Series[i-1].Period)
		}
	}
}

func TestRunSCM_EventStudyTags(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	res, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.NoError(t, err)

	require.Len(t, res.EventStudy, 15)
	for _, g := range res.EventStudy {
		if g.RelativeTime < 0 {
			assert.Equal(t, "pre", g.Period)
		} else {
			assert.Equal(t, "post", g.Period)
		}
	}
}

func TestRunSCM_FitQuality(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	res, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.NoError(t, err)

	require.True(t, res.MainResult.PrePeriodFitError.Valid)
	assert.Less(t, res.MainResult.PrePeriodFitError.Value, 0.05)
	require.True(t, res.MainResult.RMSPERatio.Valid)
	assert.Greater(t, res.MainResult.RMSPERatio.Value, 1.0)
}

func TestRunSCM_PlaceboInference(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	res, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.NoError(t, err)

	require.NotNil(t, res.Placebo)
	require.Empty(t, res.Placebo.Err)
	assert.Len(t, res.Placebo.Placebos, 5)
	require.True(t, res.Placebo.EmpiricalP.Valid)
	// The planted effect should be more extreme than the donor placebos.
	assert.Less(t, res.Placebo.EmpiricalP.Value, 0.5)
	assert.Equal(t, res.Placebo.EmpiricalP, res.MainResult.PValue)

	// The p-value is the share of usable placebo ratios at least as
	// extreme as the true one.
	usable := 0
	for _, e := range res.Placebo.Placebos {
		if e.Err == "" && e.Ratio.Valid {
			usable++
		}
	}
	require.Greater(t, usable, 0)
	want := float64(res.Placebo.NMoreExtreme) / float64(usable)
	assert.InDelta(t, want, res.Placebo.EmpiricalP.Value, 1e-12)
}

func TestRunSCM_ModelInfo(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	res, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.NoError(t, err)

	assert.Equal(t, 5, res.ModelInfo.NDonors)
	assert.Equal(t, 9, res.ModelInfo.NPrePeriods)
	assert.Equal(t, 6, res.ModelInfo.NPostPeriods)
}

func TestRunSCM_IncompleteDonorDroppedWithWarning(t *testing.T) {
	p := testkit.SCMPanel(scmConfig())
	// Null out one donor's outcome in a single pre period.
	var rows []panel.Row
	for _, r := range p.Rows() {
		if r.UnitID == "donor4" && r.TimePeriod == 2007 {
			r.Values = map[string]core.NullFloat{"pib_log": core.NullValue()}
		}
		rows = append(rows, r)
	}
	p2 := panel.MustNew(rows)

	res, err := NewEngine().RunSCMWithDiagnostics(p2, scmRequest())
	require.NoError(t, err)

	assert.Equal(t, 4, res.ModelInfo.NDonors)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "1 donor units dropped")
}

func TestRunSCM_Validation(t *testing.T) {
	eng := NewEngine()
	p := testkit.SCMPanel(scmConfig())

	tests := []struct {
		name string
		p    *panel.Panel
		req  Request
	}{
		{"nil panel", nil, scmRequest()},
		{"missing outcome column", p, Request{Outcome: "missing", TreatedIDs: []string{"treated"}, TreatmentTime: 2014}},
		{"no treated units", p, Request{Outcome: "pib_log", TreatmentTime: 2014}},
		{"treated absent from panel", p, Request{Outcome: "pib_log", TreatedIDs: []string{"nobody"}, TreatmentTime: 2014}},
		{"too few pre periods", p, Request{Outcome: "pib_log", TreatedIDs: []string{"treated"}, TreatmentTime: 2006}},
		{"no post periods", p, Request{Outcome: "pib_log", TreatedIDs: []string{"treated"}, TreatmentTime: 2025}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.RunSCMWithDiagnostics(tt.p, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestRunSCM_TooFewDonors(t *testing.T) {
	cfg := scmConfig()
	cfg.Donors = 2
	full := testkit.SCMPanel(cfg)
	// Keep only one donor alongside the treated unit.
	p := full.Filter(func(r panel.Row) bool { return r.UnitID != "donor1" })

	_, err := NewEngine().RunSCMWithDiagnostics(p, scmRequest())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
