// Package panelio reads tabular panel data from Excel and CSV files into
// the canonical panel model.
package panelio

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"portimpact/domain/core"
	"portimpact/domain/panel"
	"portimpact/internal"
	"portimpact/internal/errors"
)

// DataReader handles reading Excel and CSV panel files
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	logger   *internal.Logger
}

// NewDataReader creates a reader that handles both Excel and CSV files
func NewDataReader(filePath string) *DataReader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	return &DataReader{filePath: filePath, fileType: fileType, logger: internal.DefaultLogger}
}

// ReadPanel reads the file into a validated panel. The file must carry a
// header row including unit_id and time_period; region_group is optional
// and every other column is parsed as numeric, with blanks and non-numeric
// cells stored as nulls.
func (r *DataReader) ReadPanel() (*panel.Panel, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, errors.Validation("%s file not found: %s", strings.ToUpper(r.fileType), r.filePath)
	}

	var rows [][]string
	var err error
	switch r.fileType {
	case "csv":
		rows, err = r.readCSVRows()
	case "xlsx":
		rows, err = r.readExcelRows()
	default:
		return nil, errors.Validation("unsupported file type: %s", r.fileType)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.Validation("panel file must have a header row and at least one data row")
	}
	return r.buildPanel(rows)
}

func (r *DataReader) readExcelRows() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open Excel file")
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read sheet "+sheet)
	}
	r.logger.Debug("read %d rows from sheet %s", len(rows), sheet)
	return rows, nil
}

func (r *DataReader) readCSVRows() ([][]string, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open CSV file")
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CSV file")
	}
	r.logger.Debug("read %d rows from %s", len(rows), r.filePath)
	return rows, nil
}

func (r *DataReader) buildPanel(raw [][]string) (*panel.Panel, error) {
	headers := make([]string, len(raw[0]))
	for i, h := range raw[0] {
		headers[i] = strings.TrimSpace(strings.ToLower(h))
	}

	unitCol, timeCol := -1, -1
	regionCol := -1
	for i, h := range headers {
		switch h {
		case panel.ColUnitID:
			unitCol = i
		case panel.ColTimePeriod:
			timeCol = i
		case panel.ColRegion:
			regionCol = i
		}
	}
	if unitCol < 0 || timeCol < 0 {
		return nil, errors.Validation("panel file must have %s and %s columns", panel.ColUnitID, panel.ColTimePeriod)
	}

	rows := make([]panel.Row, 0, len(raw)-1)
	skipped := 0
	for idx, cells := range raw[1:] {
		unitID := cellAt(cells, unitCol)
		timeStr := cellAt(cells, timeCol)
		if unitID == "" || timeStr == "" {
			skipped++
			continue
		}
		period, err := strconv.Atoi(strings.TrimSpace(timeStr))
		if err != nil {
			return nil, errors.Validation("row %d: time_period %q is not an integer", idx+2, timeStr)
		}

		values := make(map[string]core.NullFloat)
		for i, h := range headers {
			if i == unitCol || i == timeCol || i == regionCol || h == "" {
				continue
			}
			values[h] = parseCell(cellAt(cells, i))
		}
		row := panel.Row{UnitID: strings.TrimSpace(unitID), TimePeriod: period, Values: values}
		if regionCol >= 0 {
			row.Region = strings.TrimSpace(cellAt(cells, regionCol))
		}
		rows = append(rows, row)
	}
	if skipped > 0 {
		r.logger.Warn("skipped %d rows missing unit_id or time_period", skipped)
	}

	return panel.New(rows)
}

func cellAt(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}

// parseCell turns one cell into a nullable float. Blank cells and
// non-numeric text become nulls rather than errors.
func parseCell(s string) core.NullFloat {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.NullValue()
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return core.NullValue()
	}
	return core.Float(v)
}
