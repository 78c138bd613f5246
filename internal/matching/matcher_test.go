package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

// matchPanel builds a small pre/post panel where candidate "near" mirrors
// the treated profile and "far" is an order of magnitude off.
func matchPanel() *panel.Panel {
	profiles := map[string][2]float64{
		"treated1": {100, 50000},
		"near":     {105, 52000},
		"mid":      {160, 70000},
		"far":      {1000, 500000},
	}
	var rows []panel.Row
	for id, f := range profiles {
		for year := 2010; year <= 2016; year++ {
			rows = append(rows, panel.Row{
				UnitID:     id,
				TimePeriod: year,
				Values: map[string]core.NullFloat{
					"pib_per_capita": core.Float(f[0]),
					"populacao":      core.Float(f[1]),
				},
			})
		}
	}
	return panel.MustNew(rows)
}

func matchRequest() Request {
	return Request{
		TreatedIDs:    []string{"treated1"},
		TreatmentYear: 2015,
		MinYear:       2010,
		TopN:          3,
		Features:      []string{"pib_per_capita", "populacao"},
	}
}

func TestSuggestControlMatches_RanksByDistance(t *testing.T) {
	res, err := SuggestControlMatches(matchPanel(), matchRequest())
	require.NoError(t, err)

	require.Len(t, res.Matches, 3)
	assert.Equal(t, "near", res.Matches[0].UnitID)
	assert.Equal(t, "mid", res.Matches[1].UnitID)
	assert.Equal(t, "far", res.Matches[2].UnitID)
	assert.Equal(t, 3, res.NCandidates)
}

func TestSuggestControlMatches_SimilarityInUnitInterval(t *testing.T) {
	res, err := SuggestControlMatches(matchPanel(), matchRequest())
	require.NoError(t, err)

	for i, m := range res.Matches {
		require.True(t, m.Similarity.Valid)
		assert.GreaterOrEqual(t, m.Similarity.Value, 0.0)
		assert.LessOrEqual(t, m.Similarity.Value, 1.0)
		if i > 0 {
			assert.LessOrEqual(t, m.Similarity.Value, res.Matches[i-1].Similarity.Value)
		}
	}
	// The most distant candidate anchors similarity zero.
	assert.InDelta(t, 0.0, res.Matches[len(res.Matches)-1].Similarity.Value, 1e-12)
}

func TestSuggestControlMatches_BalanceTable(t *testing.T) {
	req := matchRequest()
	req.TopN = 2
	res, err := SuggestControlMatches(matchPanel(), req)
	require.NoError(t, err)

	require.Len(t, res.Balance, 2)
	for _, row := range res.Balance {
		require.True(t, row.TreatedMean.Valid)
		require.True(t, row.ControlMean.Valid)
		require.True(t, row.Difference.Valid)
		assert.InDelta(t, row.TreatedMean.Value-row.ControlMean.Value, row.Difference.Value, 1e-9)
	}
}

func TestSuggestControlMatches_TopNCapped(t *testing.T) {
	req := matchRequest()
	req.TopN = 10
	res, err := SuggestControlMatches(matchPanel(), req)
	require.NoError(t, err)

	assert.Len(t, res.Matches, 3)
	assert.NotEmpty(t, res.Warnings)
}

func TestSuggestControlMatches_Validation(t *testing.T) {
	p := matchPanel()

	tests := []struct {
		name string
		req  Request
	}{
		{"non-positive N", Request{TreatedIDs: []string{"treated1"}, TreatmentYear: 2015, MinYear: 2010, TopN: 0}},
		{"treatment year not after min year", Request{TreatedIDs: []string{"treated1"}, TreatmentYear: 2010, MinYear: 2010, TopN: 3}},
		{"no treated units", Request{TreatmentYear: 2015, MinYear: 2010, TopN: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SuggestControlMatches(p, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}

	_, err := SuggestControlMatches(nil, matchRequest())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestSuggestControlMatches_AllMissingTreatedProfile(t *testing.T) {
	var rows []panel.Row
	for _, id := range []string{"treated1", "c1", "c2"} {
		for year := 2010; year <= 2016; year++ {
			v := core.Float(float64(year))
			if id == "treated1" {
				v = core.NullValue()
			}
			rows = append(rows, panel.Row{
				UnitID:     id,
				TimePeriod: year,
				Values:     map[string]core.NullFloat{"pib_per_capita": v},
			})
		}
	}
	p := panel.MustNew(rows)

	req := matchRequest()
	req.Features = []string{"pib_per_capita"}
	_, err := SuggestControlMatches(p, req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
