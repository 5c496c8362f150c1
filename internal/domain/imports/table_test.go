package imports

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

func TestReadTable_CSV(t *testing.T) {
	src := "\ufeffCode, Unit Price,stock-quantity\nAMOX,0.5,100\nPCM,0.1\n"
	table, err := ReadTable("drugs.CSV", strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"code", "unit_price", "stock_quantity"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, 2, table.Rows[0].Line)
	assert.Equal(t, "0.5", table.Rows[0].Get("unit_price"))
	assert.Equal(t, "", table.Rows[1].Get("stock_quantity"))
	assert.Equal(t, 3, table.Rows[1].Line)
}

func TestReadTable_XLSX(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Code", "Name", "Price"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{"CBC", "Full blood count", 12.5}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]interface{}{"LFT", "Liver function", 40}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	table, err := ReadTable("tests.xlsx", buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "name", "price"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "12.5", table.Rows[0].Get("price"))
	assert.Equal(t, "LFT", table.Rows[1].Get("code"))
}

func TestReadTable_Rejects(t *testing.T) {
	_, err := ReadTable("drugs.ods", strings.NewReader("x"))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = ReadTable("drugs.csv", strings.NewReader(""))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = ReadTable("drugs.xlsx", strings.NewReader("not a zip"))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestTable_MissingAndEmptyRows(t *testing.T) {
	table, err := ReadTable("t.csv", strings.NewReader("code,name\n,\nX,Y\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"price"}, table.Missing([]string{"code", "name", "price"}))
	assert.True(t, table.Rows[0].Empty())
	assert.False(t, table.Rows[1].Empty())
}
