package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "SSL_MODE", "FEATURE_SCM", "FEATURE_AUGMENTED_SCM", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Database.URL)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.True(t, cfg.Features.SCM)
	assert.False(t, cfg.Features.AugmentedSCM)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/portimpact")
	t.Setenv("FEATURE_SCM", "false")
	t.Setenv("FEATURE_AUGMENTED_SCM", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/portimpact", cfg.Database.URL)
	assert.False(t, cfg.Features.SCM)
	assert.True(t, cfg.Features.AugmentedSCM)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoad_MalformedBoolFallsBackToDefault(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("FEATURE_SCM", "yes-please")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Features.SCM)
}

func writeRequest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRequest(t *testing.T) {
	path := writeRequest(t, `
method: did
panel_file: panel.csv
outcomes: [pib_log, empregos_log]
controls: [populacao]
treated_ids: ["3304557"]
treatment_time: 2015
cluster_by: unit_id
entity_effects: false
`)

	req, err := LoadRequest(path)
	require.NoError(t, err)

	assert.Equal(t, "did", req.Method)
	assert.Equal(t, "panel.csv", req.PanelFile)
	assert.Equal(t, []string{"pib_log", "empregos_log"}, req.Outcomes)
	assert.Equal(t, []string{"populacao"}, req.Controls)
	assert.Equal(t, []string{"3304557"}, req.TreatedIDs)
	assert.Equal(t, 2015, req.TreatmentTime)
	require.NotNil(t, req.EntityEffects)
	assert.False(t, *req.EntityEffects)
	assert.Nil(t, req.TimeEffects)
}

func TestLoadRequest_Validation(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRequest(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadRequest(writeRequest(t, "method: [unterminated"))
		require.Error(t, err)
	})

	t.Run("missing method", func(t *testing.T) {
		_, err := LoadRequest(writeRequest(t, "outcomes: [pib_log]"))
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("missing outcomes", func(t *testing.T) {
		_, err := LoadRequest(writeRequest(t, "method: did"))
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}
