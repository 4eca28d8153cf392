package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/fetcher"
)

// XLSXAdapter reads the first sheet of a spreadsheet.
type XLSXAdapter struct {
	fetcher fetcher.Fetcher
	timeout time.Duration
	tempDir string
}

// Kind implements Adapter.
func (a *XLSXAdapter) Kind() string { return KindXLSX }

// Fetch implements Adapter.
func (a *XLSXAdapter) Fetch(ctx context.Context, src Source) ([]RawRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	path, cleanup, err := localFile(ctx, a.fetcher, src, a.tempDir, ".xlsx")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	tbl, err := fetcher.ReadXLSXRecords(ctx, path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, err
	}
	zap.L().Info("xlsx fetched",
		zap.String("source", src.Name),
		zap.Int("records", len(tbl.Records)),
		zap.Int("malformed", tbl.Malformed),
	)
	return tableRecords(tbl), nil
}
