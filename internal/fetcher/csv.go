package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // if true, first row is not sent on the row channel
	HeaderCh   chan<- []string // optional: receives the header row
	Comment    rune            // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool

	// OnMalformed is called for each row the parser rejects. The row is
	// skipped and parsing continues.
	OnMalformed func(line int, err error)
}

// StreamCSV reads CSV rows and sends them to a channel. A leading UTF-8 BOM
// is dropped. Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(skipBOM(r))
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) && opts.OnMalformed != nil {
					opts.OnMalformed(pe.StartLine, err)
					continue
				}
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// Table is a headed file parsed into one map per row.
type Table struct {
	Header    []string
	Records   []map[string]string
	Malformed int
}

// ReadCSVRecords parses a headed CSV into one map per row keyed by header
// name. Values are trimmed and blank rows dropped. Short rows are padded
// with empty values; rows that fail to parse or carry more fields than the
// header are counted as malformed and skipped.
func ReadCSVRecords(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	out := &Table{}
	headerCh := make(chan []string, 1)
	opts.HasHeader = true
	opts.HeaderCh = headerCh
	opts.TrimSpace = true
	opts.LazyQuotes = true
	var parseErrs atomic.Int64
	onMalformed := opts.OnMalformed
	opts.OnMalformed = func(line int, err error) {
		parseErrs.Add(1)
		if onMalformed != nil {
			onMalformed(line, err)
		}
	}

	rowCh, errCh := StreamCSV(ctx, r, opts)
	for row := range rowCh {
		if out.Header == nil {
			out.Header = <-headerCh
		}
		if blankRow(row) {
			continue
		}
		if len(row) > len(out.Header) {
			out.Malformed++
			continue
		}
		rec := make(map[string]string, len(out.Header))
		for i, name := range out.Header {
			if i < len(row) {
				rec[name] = row[i]
			} else {
				rec[name] = ""
			}
		}
		out.Records = append(out.Records, rec)
	}
	out.Malformed += int(parseErrs.Load())
	if err := <-errCh; err != nil {
		return out, err
	}
	if out.Header == nil {
		select {
		case h := <-headerCh:
			out.Header = h
		default:
		}
	}
	return out, nil
}

func blankRow(row []string) bool {
	for _, f := range row {
		if f != "" {
			return false
		}
	}
	return true
}

// skipBOM drops a leading UTF-8 byte order mark.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}
