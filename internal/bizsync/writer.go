// Package bizsync runs the ingestion pipeline: fetch, normalize, write and
// deduplicate businesses across all configured sources.
package bizsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/resilience"
	"github.com/sells-group/bizdir/internal/store"
)

// BatchOptions bounds batched store work.
type BatchOptions struct {
	BatchSize     int
	MaxConcurrent int
	GroupDelay    time.Duration
	Attempts      int
	Backoff       time.Duration
}

// BatchOptionsFromConfig converts sync config to batch options.
func BatchOptionsFromConfig(c config.SyncConfig) BatchOptions {
	return BatchOptions{
		BatchSize:     c.BatchSize,
		MaxConcurrent: c.MaxConcurrentBatches,
		GroupDelay:    c.GroupDelay(),
		Attempts:      c.CommitAttempts,
		Backoff:       c.RetryBackoff(),
	}.withDefaults()
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	return o
}

func (o BatchOptions) retry(operation string) resilience.RetryConfig {
	cfg := resilience.LinearRetry(o.Attempts, o.Backoff)
	cfg.OnRetry = resilience.RetryLogger("bizsync", operation)
	return cfg
}

// BatchCommitError reports a batch that still failed after every retry.
type BatchCommitError struct {
	Batch int
	Size  int
	Err   error
}

func (e *BatchCommitError) Error() string {
	return fmt.Sprintf("batch %d (%d records): %v", e.Batch, e.Size, e.Err)
}

func (e *BatchCommitError) Unwrap() error {
	return e.Err
}

// WriteResult summarizes a WriteAll call.
type WriteResult struct {
	Written int
	Failed  int
	Batches int
	Errors  []*BatchCommitError
}

// Writer upsert-merges businesses in bounded, concurrent batches.
type Writer struct {
	store   store.Businesses
	opts    BatchOptions
	metrics *monitoring.Metrics
}

// NewWriter creates a Writer. metrics may be nil.
func NewWriter(st store.Businesses, opts BatchOptions, metrics *monitoring.Metrics) *Writer {
	return &Writer{store: st, opts: opts.withDefaults(), metrics: metrics}
}

// WriteAll writes every business. Records sharing an id are merged first
// so no two batches touch the same row. A failed batch does not stop the
// others; the returned error joins every BatchCommitError.
func (w *Writer) WriteAll(ctx context.Context, businesses []model.Business) (WriteResult, error) {
	log := zap.L().With(zap.String("component", "bizsync.writer"))

	batches := chunk(coalesce(businesses), w.opts.BatchSize)
	res := WriteResult{Batches: len(batches)}
	if len(batches) == 0 {
		return res, nil
	}

	failures := make([]*BatchCommitError, len(batches))
	err := inGroups(ctx, len(batches), w.opts, func(ctx context.Context, i int) {
		batch := batches[i]
		err := resilience.Do(ctx, w.opts.retry("upsert batch"), func(ctx context.Context) error {
			_, err := w.store.UpsertBusinesses(ctx, batch)
			return err
		})
		if err != nil {
			failures[i] = &BatchCommitError{Batch: i + 1, Size: len(batch), Err: err}
			w.metrics.ObserveBatchFailure()
			log.Error("batch commit failed",
				zap.Int("batch", i+1),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return res, eris.Wrap(err, "writer: write batches")
	}

	var errs []error
	for i, f := range failures {
		if f != nil {
			res.Failed += f.Size
			res.Errors = append(res.Errors, f)
			errs = append(errs, f)
			continue
		}
		res.Written += len(batches[i])
	}

	log.Info("write complete",
		zap.Int("written", res.Written),
		zap.Int("failed", res.Failed),
		zap.Int("batches", res.Batches),
	)

	if len(errs) > 0 {
		return res, eris.Wrapf(errors.Join(errs...), "writer: %d of %d batches failed", len(errs), len(batches))
	}
	return res, nil
}

// inGroups runs fn for indexes [0, n) in groups of MaxConcurrent, pausing
// GroupDelay between groups. Only context cancellation between groups is
// returned; fn records its own failures.
func inGroups(ctx context.Context, n int, opts BatchOptions, fn func(ctx context.Context, i int)) error {
	for start := 0; start < n; start += opts.MaxConcurrent {
		if start > 0 && opts.GroupDelay > 0 {
			t := time.NewTimer(opts.GroupDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		end := min(start+opts.MaxConcurrent, n)
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(gctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

// coalesce merges records with the same id in arrival order, so later
// records win field by field.
func coalesce(businesses []model.Business) []model.Business {
	idx := make(map[string]int, len(businesses))
	out := make([]model.Business, 0, len(businesses))
	for _, b := range businesses {
		if i, ok := idx[b.ID]; ok {
			out[i] = out[i].Merge(b)
			continue
		}
		idx[b.ID] = len(out)
		out = append(out, b)
	}
	return out
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
