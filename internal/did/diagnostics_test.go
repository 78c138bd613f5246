package did

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/domain/causal"
	"portimpact/internal/testkit"
)

func TestRunDiDWithDiagnostics_AllSectionsPresent(t *testing.T) {
	cfg := testkit.DefaultDiDConfig()
	p := testkit.DiDPanel(cfg)

	res, err := NewEngine().RunDiDWithDiagnostics(p, Request{Outcome: "pib_log", TreatmentTime: cfg.TreatmentYear})
	require.NoError(t, err)
	require.NotNil(t, res.Diagnostics)

	d := res.Diagnostics
	require.NotNil(t, d.ParallelTrends)
	require.NotNil(t, d.EventStudy)
	require.NotNil(t, d.PlaceboTests)
	require.NotNil(t, d.DonorSensitivity)
	require.NotNil(t, d.Specifications)

	assert.NotEmpty(t, res.Warnings)
	assert.True(t, res.MainResult.Coefficient.Valid)
}

func TestParallelTrends_ShapeOnCleanPanel(t *testing.T) {
	cfg := testkit.DefaultDiDConfig()
	p := testkit.DiDPanel(cfg)

	pt, err := NewEngine().TestParallelTrends(p, Request{Outcome: "pib_log", TreatmentTime: cfg.TreatmentYear})
	require.NoError(t, err)

	assert.Equal(t, cfg.StartYear, pt.BaselineYear)
	assert.Equal(t, 7, pt.NPrePeriods)
	require.True(t, pt.PValue.Valid)
	assert.GreaterOrEqual(t, pt.PValue.Value, 0.0)
	assert.LessOrEqual(t, pt.PValue.Value, 1.0)
	assert.Contains(t, []causal.Verdict{causal.VerdictPass, causal.VerdictWeak, causal.VerdictReject}, pt.Verdict)
}

func TestRunPlaceboTests_OnlyPrePeriodDates(t *testing.T) {
	cfg := testkit.DefaultDiDConfig()
	p := testkit.DiDPanel(cfg)

	pl, err := NewEngine().RunPlaceboTests(p, Request{Outcome: "pib_log", TreatmentTime: cfg.TreatmentYear})
	require.NoError(t, err)

	require.NotEmpty(t, pl.Placebos)
	for _, pb := range pl.Placebos {
		assert.Less(t, pb.PlaceboYear, cfg.TreatmentYear)
	}
	// Candidates are returned in ascending year order.
	for i := 1; i < len(pl.Placebos); i++ {
		assert.Greater(t, pl.Placebos[i].PlaceboYear, pl.Placebos[i-1].PlaceboYear)
	}
	assert.Equal(t, len(pl.Placebos), pl.NTested)
	assert.Contains(t, []causal.Verdict{causal.VerdictPass, causal.VerdictWeak, causal.VerdictFail}, pl.Verdict)
}

func TestDonorSensitivity_OneEstimatePerControl(t *testing.T) {
	cfg := testkit.DefaultDiDConfig()
	p := testkit.DiDPanel(cfg)
	engine := NewEngine()

	req := Request{Outcome: "pib_log", TreatmentTime: cfg.TreatmentYear}
	main, err := engine.RunDiD(p, req)
	require.NoError(t, err)

	sens, err := engine.DonorSensitivity(p, req, main.MainResult.Coefficient.Or(0))
	require.NoError(t, err)

	assert.Len(t, sens.Estimates, len(cfg.ControlIDs))
	// Deterministic ordering by excluded unit id.
	for i := 1; i < len(sens.Estimates); i++ {
		assert.Greater(t, sens.Estimates[i].ExcludedUnit, sens.Estimates[i-1].ExcludedUnit)
	}
	require.True(t, sens.Mean.Valid)
	assert.InDelta(t, cfg.Effect, sens.Mean.Value, 0.2)
	assert.Contains(t, []causal.Verdict{causal.VerdictRobust, causal.VerdictModerate, causal.VerdictSensitive}, sens.Verdict)
}

func TestRunDiDSpecifications_FourRowsNeverAborts(t *testing.T) {
	cfg := testkit.DefaultDiDConfig()
	p := testkit.DiDPanel(cfg)

	specs, err := NewEngine().RunDiDSpecifications(p, Request{Outcome: "pib_log", TreatmentTime: cfg.TreatmentYear})
	require.NoError(t, err)
	require.Len(t, specs.Specifications, 4)

	names := make([]string, 0, 4)
	for _, s := range specs.Specifications {
		names = append(names, s.Name)
		if s.Err == "" {
			assert.True(t, s.Coefficient.Valid, "spec %s has no coefficient", s.Name)
		}
	}
	assert.Contains(t, names, "baseline")
	assert.Contains(t, names, "no_controls")
	assert.Contains(t, names, "no_clustering")
	assert.Contains(t, names, "cluster_by_time")
}

func TestRunDiDSpecifications_NoClusteringUsesSingletonClusters(t *testing.T) {
	cfg := testkit.DefaultDiDConfig()
	p := testkit.DiDPanel(cfg)

	specs, err := NewEngine().RunDiDSpecifications(p, Request{Outcome: "pib_log", TreatmentTime: cfg.TreatmentYear})
	require.NoError(t, err)

	byName := make(map[string]SpecificationRow)
	for _, s := range specs.Specifications {
		byName[s.Name] = s
	}
	baseline, noCluster := byName["baseline"], byName["no_clustering"]
	require.Empty(t, baseline.Err)
	require.Empty(t, noCluster.Err)
	require.True(t, baseline.StandardError.Valid)
	require.True(t, noCluster.StandardError.Valid)

	// Same point estimate, different variance estimator.
	assert.InDelta(t, baseline.Coefficient.Value, noCluster.Coefficient.Value, 1e-9)
	assert.Greater(t, noCluster.StandardError.Value, 0.0)
	assert.NotEqual(t, baseline.StandardError.Value, noCluster.StandardError.Value)
}
