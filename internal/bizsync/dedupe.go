package bizsync

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/resilience"
	"github.com/sells-group/bizdir/internal/store"
)

// scanPage is how many records one ScanBusinesses call reads.
const scanPage = 2000

// Deduplicator removes stored businesses that share a name, city and
// province with an earlier one. It reads the whole table, so it runs once
// per sync and never per request.
type Deduplicator struct {
	store store.Businesses
	opts  BatchOptions
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(st store.Businesses, opts BatchOptions) *Deduplicator {
	return &Deduplicator{store: st, opts: opts.withDefaults()}
}

// Deduplicate scans in id order, keeps the first record of each dedupe key
// and deletes the rest in independent batches. Returns how many records
// were removed.
func (d *Deduplicator) Deduplicate(ctx context.Context) (int, error) {
	log := zap.L().With(zap.String("component", "bizsync.dedupe"))

	losers, scanned, err := d.findDuplicates(ctx)
	if err != nil {
		return 0, err
	}
	log.Info("dedupe scan complete", zap.Int("scanned", scanned), zap.Int("duplicates", len(losers)))

	batches := chunk(losers, d.opts.BatchSize)
	removed := make([]int, len(batches))
	failures := make([]error, len(batches))
	err = inGroups(ctx, len(batches), d.opts, func(ctx context.Context, i int) {
		n, err := resilience.DoVal(ctx, d.opts.retry("delete batch"), func(ctx context.Context) (int, error) {
			return d.store.DeleteBusinesses(ctx, batches[i])
		})
		if err != nil {
			failures[i] = &BatchCommitError{Batch: i + 1, Size: len(batches[i]), Err: err}
			log.Error("delete batch failed", zap.Int("batch", i+1), zap.Error(err))
			return
		}
		removed[i] = n
	})
	if err != nil {
		return 0, eris.Wrap(err, "dedupe: delete batches")
	}

	total := 0
	for _, n := range removed {
		total += n
	}
	if err := errors.Join(failures...); err != nil {
		return total, eris.Wrap(err, "dedupe: delete batches")
	}

	log.Info("dedupe complete", zap.Int("removed", total))
	return total, nil
}

func (d *Deduplicator) findDuplicates(ctx context.Context) ([]string, int, error) {
	seen := make(map[string]struct{})
	var losers []string
	scanned := 0
	after := ""
	for {
		page, err := d.store.ScanBusinesses(ctx, after, scanPage)
		if err != nil {
			return nil, scanned, eris.Wrap(err, "dedupe: scan businesses")
		}
		for i := range page {
			key := page[i].DedupeKey()
			if _, dup := seen[key]; dup {
				losers = append(losers, page[i].ID)
				continue
			}
			seen[key] = struct{}{}
		}
		scanned += len(page)
		if len(page) < scanPage {
			return losers, scanned, nil
		}
		after = page[len(page)-1].ID
	}
}
