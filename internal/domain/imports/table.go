package imports

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

// Row is one data row keyed by normalised header name. Line is the 1-based
// row number as shown by a spreadsheet program, header included.
type Row struct {
	Line  int
	cells map[string]string
}

func (r Row) Get(col string) string {
	return strings.TrimSpace(r.cells[col])
}

// Empty reports a row with no values, as spreadsheets often end with.
func (r Row) Empty() bool {
	for _, v := range r.cells {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

type Table struct {
	Columns []string
	Rows    []Row
}

// Missing returns the required columns absent from the header.
func (t *Table) Missing(required []string) []string {
	have := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		have[c] = true
	}
	var out []string
	for _, c := range required {
		if !have[c] {
			out = append(out, c)
		}
	}
	return out
}

// ReadTable parses a .csv or .xlsx upload. The first row is the header.
func ReadTable(filename string, r io.Reader) (*Table, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		records, err = readCSV(r)
	case ".xlsx":
		records, err = readXLSX(r)
	default:
		return nil, apperr.Invalid("file", "must be a .csv or .xlsx file")
	}
	if err != nil {
		return nil, err
	}
	return newTable(records)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, apperr.Invalid("file", fmt.Sprintf("could not be read as CSV: %v", err))
	}
	return records, nil
}

// readXLSX reads the first worksheet.
func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Invalid("file", fmt.Sprintf("could not be read as a workbook: %v", err))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperr.Invalid("file", "workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func headerName(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func newTable(records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, apperr.Invalid("file", "is empty; a header row is required")
	}
	t := &Table{}
	for _, h := range records[0] {
		t.Columns = append(t.Columns, headerName(h))
	}
	for i, rec := range records[1:] {
		cells := make(map[string]string, len(t.Columns))
		for j, col := range t.Columns {
			if j < len(rec) && col != "" {
				cells[col] = rec[j]
			}
		}
		t.Rows = append(t.Rows, Row{Line: i + 2, cells: cells})
	}
	return t, nil
}
