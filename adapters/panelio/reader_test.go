package panelio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/domain/panel"
	"portimpact/internal/errors"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panel.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadPanel_CSV(t *testing.T) {
	path := writeCSV(t, `Unit_ID,Time_Period,Region_Group,PIB,populacao
3304557,2010,RJ,"1,234.5",6000000
3304557,2011,RJ,1300.0,
3550308,2010,SP,not-a-number,12000000
`)

	p, err := NewDataReader(path).ReadPanel()
	require.NoError(t, err)

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []string{"3304557", "3550308"}, p.Units())
	require.True(t, p.HasColumn("pib"))
	require.True(t, p.HasColumn("populacao"))

	first := p.Rows()[0]
	assert.Equal(t, "3304557", first.UnitID)
	assert.Equal(t, 2010, first.TimePeriod)
	assert.Equal(t, "RJ", first.Region)
	// Thousands separators strip before parsing.
	assert.InDelta(t, 1234.5, first.Value("pib").Or(-1), 1e-9)

	// Blank and non-numeric cells are nulls, not errors.
	assert.False(t, p.Rows()[1].Value("populacao").Valid)
	assert.False(t, p.Rows()[2].Value("pib").Valid)
}

func TestReadPanel_SkipsRowsMissingIdentifiers(t *testing.T) {
	path := writeCSV(t, `unit_id,time_period,pib
3304557,2010,100
,2011,200
3550308,,300
3550308,2010,400
`)

	p, err := NewDataReader(path).ReadPanel()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
}

func TestReadPanel_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewDataReader(filepath.Join(t.TempDir(), "nope.csv")).ReadPanel()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("header only", func(t *testing.T) {
		_, err := NewDataReader(writeCSV(t, "unit_id,time_period,pib\n")).ReadPanel()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("missing identifier columns", func(t *testing.T) {
		_, err := NewDataReader(writeCSV(t, "municipio,ano,pib\na,2010,1\n")).ReadPanel()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
		assert.Contains(t, err.Error(), panel.ColUnitID)
	})

	t.Run("non-integer time period", func(t *testing.T) {
		_, err := NewDataReader(writeCSV(t, "unit_id,time_period,pib\na,early,1\n")).ReadPanel()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
		assert.Contains(t, err.Error(), "row 2")
	})

	t.Run("duplicate observation", func(t *testing.T) {
		_, err := NewDataReader(writeCSV(t, "unit_id,time_period,pib\na,2010,1\na,2010,2\n")).ReadPanel()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestNewDataReader_TypeFromExtension(t *testing.T) {
	assert.Equal(t, "csv", NewDataReader("data/panel.CSV").fileType)
	assert.Equal(t, "xlsx", NewDataReader("data/panel.xlsx").fileType)
	assert.Equal(t, "xlsx", NewDataReader("data/panel").fileType)
}
