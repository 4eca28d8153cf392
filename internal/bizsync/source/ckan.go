package source

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/fetcher"
)

// CKANAdapter pages through a CKAN datastore_search endpoint.
type CKANAdapter struct {
	fetcher fetcher.Fetcher
	timeout time.Duration
}

// Kind implements Adapter.
func (a *CKANAdapter) Kind() string { return KindCKAN }

// Fetch implements Adapter. A source without a resource id is skipped and
// yields no records and no error.
func (a *CKANAdapter) Fetch(ctx context.Context, src Source) ([]RawRecord, error) {
	log := zap.L().With(zap.String("component", "source.ckan"), zap.String("source", src.Name))
	if src.ResourceID == "" {
		log.Info("skipping source without resource_id")
		return nil, nil
	}

	limit := src.PageSize
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	maxPages := max(src.MaxPages, 1)

	var out []RawRecord
	for page := range maxPages {
		offset := page * limit
		p, err := a.fetchPage(ctx, src, limit, offset)
		if err != nil {
			return nil, eris.Wrapf(err, "ckan: page %d", page+1)
		}
		for _, rec := range p.Result.Records {
			out = append(out, RawRecord(rec))
		}
		n := len(p.Result.Records)
		if n < limit || (p.Result.Total > 0 && offset+n >= p.Result.Total) {
			break
		}
	}

	log.Info("ckan fetched", zap.Int("records", len(out)))
	return out, nil
}

func (a *CKANAdapter) fetchPage(ctx context.Context, src Source, limit, offset int) (*fetcher.CKANPage, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, eris.Wrap(err, "ckan: parse url")
	}
	q := u.Query()
	q.Set("resource_id", src.ResourceID)
	q.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := a.fetcher.Download(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	return fetcher.DecodeCKANPage(body)
}
