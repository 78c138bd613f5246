package paneliv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/internal/errors"
	"portimpact/internal/testkit"
)

func panelRequest() Request {
	return Request{
		Outcome:       "pib_log",
		Endogenous:    "tonelagem_porto",
		Instrument:    "capacidade_porto",
		EntityEffects: true,
		TimeEffects:   true,
	}
}

func TestRunPanelIV_RecoversCoefficientWithBothEffects(t *testing.T) {
	cfg := testkit.IVConfig{N: 600, Beta: 1.2, Rho: 0.8, Units: 60, Seed: 21}
	p := testkit.IVPanel(cfg)

	res, err := NewEngine().RunPanelIV(p, panelRequest())
	require.NoError(t, err)

	require.True(t, res.MainResult.Coefficient.Valid)
	assert.InDelta(t, cfg.Beta, res.MainResult.Coefficient.Value, 0.5)

	assert.True(t, res.ModelInfo.EntityEffects)
	assert.True(t, res.ModelInfo.TimeEffects)
	assert.Equal(t, 60, res.ModelInfo.NEntities)
	assert.Equal(t, 10, res.ModelInfo.NTimePeriods)
}

func TestRunPanelIV_FirstStageAlwaysReported(t *testing.T) {
	p := testkit.IVPanel(testkit.IVConfig{N: 400, Beta: 1.2, Rho: 0.8, Units: 40, Seed: 5})

	for _, req := range []Request{
		panelRequest(),
		{Outcome: "pib_log", Endogenous: "tonelagem_porto", Instrument: "capacidade_porto"},
	} {
		res, err := NewEngine().RunPanelIV(p, req)
		require.NoError(t, err)
		require.NotNil(t, res.FirstStage)
		assert.True(t, res.FirstStage.FStatistic.Valid)
		assert.NotEmpty(t, res.FirstStage.Strength)
	}
}

func TestRunPanelIVWithDiagnostics_FourRowTable(t *testing.T) {
	p := testkit.IVPanel(testkit.IVConfig{N: 500, Beta: 1.2, Rho: 0.8, Units: 50, Seed: 9})

	res, err := NewEngine().RunPanelIVWithDiagnostics(p, panelRequest())
	require.NoError(t, err)
	require.Len(t, res.Specifications, 4)

	assert.Equal(t, "main", res.Specifications[0].Name)
	assert.Equal(t, "entity_only", res.Specifications[1].Name)
	assert.Equal(t, "time_only", res.Specifications[2].Name)
	assert.Equal(t, "pooled", res.Specifications[3].Name)

	assert.True(t, res.Specifications[1].EntityEffects)
	assert.False(t, res.Specifications[1].TimeEffects)
	assert.False(t, res.Specifications[3].EntityEffects)
	assert.False(t, res.Specifications[3].TimeEffects)

	for _, row := range res.Specifications {
		if row.Err == "" {
			assert.True(t, row.Coefficient.Valid, "row %s", row.Name)
		}
	}
}

func TestRunPanelIV_MissingColumns(t *testing.T) {
	p := testkit.IVPanel(testkit.IVConfig{N: 50, Beta: 1.0, Rho: 0.8, Units: 5, Seed: 3})

	req := panelRequest()
	req.Endogenous = "empregos_porto"
	_, err := NewEngine().RunPanelIV(p, req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "empregos_porto")
}

func TestWithinTransform_RemovesEntityMeans(t *testing.T) {
	p := testkit.IVPanel(testkit.IVConfig{N: 40, Beta: 1.0, Rho: 0.8, Units: 4, Seed: 2})
	rows := p.Rows()
	vals := make([]float64, len(rows))
	for i, r := range rows {
		vals[i] = r.Value("tonelagem_porto").Or(0)
	}

	out := withinTransform(rows, vals)

	sums := make(map[string]float64)
	for i, r := range rows {
		sums[r.UnitID] += out[i]
	}
	for id, s := range sums {
		assert.InDelta(t, 0.0, s, 1e-9, "unit %s", id)
	}
}
