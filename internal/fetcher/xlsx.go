package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // rows above the header row
}

// ReadXLSXRecords reads one sheet whose first row (after SkipRows) is the
// header. Blank rows are dropped; short rows are padded with empty values.
func ReadXLSXRecords(ctx context.Context, path string, opts XLSXOptions) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	out := &Table{}
	for i, row := range sheet.Rows {
		if i%1000 == 0 && ctx.Err() != nil {
			return out, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		if i < opts.SkipRows || row == nil {
			continue
		}
		cells := rowToStrings(row)
		if out.Header == nil {
			out.Header = cells
			continue
		}
		if blankRow(cells) {
			continue
		}
		if len(cells) > len(out.Header) {
			out.Malformed++
			continue
		}
		rec := make(map[string]string, len(out.Header))
		for j, name := range out.Header {
			if j < len(cells) {
				rec[name] = cells[j]
			} else {
				rec[name] = ""
			}
		}
		out.Records = append(out.Records, rec)
	}
	if out.Header == nil {
		return nil, eris.New("xlsx: sheet has no header row")
	}
	return out, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}
