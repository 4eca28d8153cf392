package source

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/fetcher"
)

// JSONAdapter reads a file or URL holding a JSON array of objects.
type JSONAdapter struct {
	fetcher fetcher.Fetcher
	timeout time.Duration
}

// Kind implements Adapter.
func (a *JSONAdapter) Kind() string { return KindJSON }

// Fetch implements Adapter.
func (a *JSONAdapter) Fetch(ctx context.Context, src Source) ([]RawRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var r io.ReadCloser
	var err error
	switch {
	case src.Path != "":
		r, err = os.Open(src.Path)
		if err != nil {
			return nil, eris.Wrap(err, "json: open")
		}
	case src.URL != "":
		r, err = a.fetcher.Download(ctx, src.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.New("json: source has neither path nor url")
	}
	defer r.Close() //nolint:errcheck

	itemCh, errCh := fetcher.DecodeJSONArray[map[string]any](ctx, r)
	var out []RawRecord
	for item := range itemCh {
		out = append(out, RawRecord(item))
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	zap.L().Info("json fetched", zap.String("source", src.Name), zap.Int("records", len(out)))
	return out, nil
}
