package source

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/fetcher"
)

// CSVAdapter reads a headed CSV from a path or URL. Zipped downloads are
// unpacked and their first .csv member read.
type CSVAdapter struct {
	fetcher fetcher.Fetcher
	timeout time.Duration
	tempDir string
}

// Kind implements Adapter.
func (a *CSVAdapter) Kind() string { return KindCSV }

// Fetch implements Adapter. Malformed rows are skipped and logged.
func (a *CSVAdapter) Fetch(ctx context.Context, src Source) ([]RawRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	log := zap.L().With(zap.String("component", "source.csv"), zap.String("source", src.Name))

	path, cleanup, err := localFile(ctx, a.fetcher, src, a.tempDir, ".csv")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if fetcher.IsZIP(path) {
		path, err = fetcher.ExtractZIPFirst(path, ".csv", filepath.Dir(path))
		if err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open")
	}
	defer f.Close() //nolint:errcheck

	tbl, err := fetcher.ReadCSVRecords(ctx, f, fetcher.CSVOptions{
		OnMalformed: func(line int, err error) {
			log.Debug("malformed csv row skipped", zap.Int("line", line), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if tbl.Malformed > 0 {
		log.Warn("malformed csv rows skipped", zap.Int("malformed", tbl.Malformed))
	}

	log.Info("csv fetched", zap.Int("records", len(tbl.Records)))
	return tableRecords(tbl), nil
}
