package fetcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadXLSXRecords(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"Business Name", "City", "Province"},
		{"Maple Syrup Co", " Montréal ", "QC"},
		{"", "", ""},
		{"Short Row", "Regina"},
		{"Too", "Many", "Cells", "Here"},
	})

	tbl, err := ReadXLSXRecords(context.Background(), path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Business Name", "City", "Province"}, tbl.Header)
	require.Len(t, tbl.Records, 2)
	assert.Equal(t, "Montréal", tbl.Records[0]["City"])
	assert.Equal(t, "", tbl.Records[1]["Province"])
	assert.Equal(t, 1, tbl.Malformed)
}

func TestReadXLSXRecords_SkipRows(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"Ministry listing, 2025"},
		{"name", "city"},
		{"A", "B"},
	})

	tbl, err := ReadXLSXRecords(context.Background(), path, XLSXOptions{SkipRows: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "city"}, tbl.Header)
	require.Len(t, tbl.Records, 1)
}

func TestReadXLSXRecords_SheetOutOfRange(t *testing.T) {
	path := createTestXLSX(t, [][]string{{"a"}})
	_, err := ReadXLSXRecords(context.Background(), path, XLSXOptions{SheetIndex: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestReadXLSXRecords_SheetNameNotFound(t *testing.T) {
	path := createTestXLSX(t, [][]string{{"a"}})
	_, err := ReadXLSXRecords(context.Background(), path, XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)
}

func TestReadXLSXRecords_MissingFile(t *testing.T) {
	_, err := ReadXLSXRecords(context.Background(), filepath.Join(t.TempDir(), "none.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}
