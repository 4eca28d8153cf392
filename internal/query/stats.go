package query

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// APIVersion is reported by Stats.
const APIVersion = "v1"

// Stats summarizes the directory.
type Stats struct {
	TotalBusinesses int64            `json:"totalBusinesses"`
	ByProvince      map[string]int64 `json:"byProvince"`
	APIVersion      string           `json:"apiVersion"`
}

// Stats counts all businesses and the businesses of each province and
// territory. The counts run concurrently; each writes its own slot.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	var total int64
	counts := make([]int64, len(model.Provinces))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.store.CountBusinesses(gctx, store.Filter{})
		if err != nil {
			return eris.Wrap(err, "query: count businesses")
		}
		total = n
		return nil
	})
	for i, code := range model.Provinces {
		g.Go(func() error {
			n, err := e.store.CountBusinesses(gctx, store.Filter{Province: code})
			if err != nil {
				return eris.Wrapf(err, "query: count province %s", code)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byProvince := make(map[string]int64, len(counts))
	for i, code := range model.Provinces {
		byProvince[code] = counts[i]
	}
	return &Stats{TotalBusinesses: total, ByProvince: byProvince, APIVersion: APIVersion}, nil
}
