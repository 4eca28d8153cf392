package bizsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bizdir/internal/bizsync/normalize"
	"github.com/sells-group/bizdir/internal/bizsync/source"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/store"
)

// SourceFetcher returns the raw records of one source. *source.Registry
// implements it.
type SourceFetcher interface {
	Fetch(ctx context.Context, src source.Source) ([]source.RawRecord, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.Businesses
	store.SyncRuns
}

// EngineOptions configures an Engine. Zero values fall back to defaults.
type EngineOptions struct {
	Batch             BatchOptions
	SourceConcurrency int
	Lock              RunLock
	Notifier          monitoring.Notifier
	Metrics           *monitoring.Metrics
}

// Engine orchestrates sync runs: fetch and normalize every source, then
// write and deduplicate.
type Engine struct {
	store       Store
	fetcher     SourceFetcher
	normalizer  *normalize.Normalizer
	sources     []source.Source
	writer      *Writer
	dedupe      *Deduplicator
	lock        RunLock
	notifier    monitoring.Notifier
	metrics     *monitoring.Metrics
	concurrency int
	now         func() time.Time
}

// RunOpts restricts and shapes one run.
type RunOpts struct {
	Sources    []string        // restrict to these source names
	Adhoc      []source.Source // run these instead of the configured sources
	SkipDedupe bool
}

// NewEngine creates a sync engine over the configured sources.
func NewEngine(st Store, f SourceFetcher, n *normalize.Normalizer, sources []source.Source, opts EngineOptions) *Engine {
	if opts.Lock == nil {
		opts.Lock = NewLocalLock()
	}
	if opts.SourceConcurrency <= 0 {
		opts.SourceConcurrency = 1
	}
	return &Engine{
		store:       st,
		fetcher:     f,
		normalizer:  n,
		sources:     sources,
		writer:      NewWriter(st, opts.Batch, opts.Metrics),
		dedupe:      NewDeduplicator(st, opts.Batch),
		lock:        opts.Lock,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		concurrency: opts.SourceConcurrency,
		now:         time.Now,
	}
}

// Sources returns the configured sources.
func (e *Engine) Sources() []source.Source {
	return e.sources
}

// SyncAll runs every enabled source. Exactly one SyncRun is appended per
// call, including when the run lock is busy.
func (e *Engine) SyncAll(ctx context.Context, trigger model.SyncTrigger) (model.SyncRun, error) {
	return e.Run(ctx, trigger, RunOpts{})
}

// UnknownSourceError lists requested source names that match no configured
// source. No run is recorded for it.
type UnknownSourceError struct {
	Names []string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("engine: unknown sources %v", e.Names)
}

// Run is SyncAll with a source selection. An unknown source name fails with
// *UnknownSourceError before the lock is taken.
func (e *Engine) Run(ctx context.Context, trigger model.SyncTrigger, opts RunOpts) (model.SyncRun, error) {
	log := zap.L().With(zap.String("component", "bizsync.engine"), zap.String("trigger", string(trigger)))

	sources, err := e.selectSources(opts)
	if err != nil {
		log.Warn("sync rejected", zap.Error(err))
		return model.SyncRun{}, err
	}

	start := e.now().UTC()
	run := model.SyncRun{
		ID:        ulid.Make().String(),
		StartedAt: start,
		Trigger:   trigger,
	}

	release, err := e.lock.TryLock(ctx)
	if err != nil {
		log.Warn("sync rejected", zap.Error(err))
		return e.finish(ctx, run, err)
	}
	defer release()

	log.Info("sync started", zap.Int("sources", len(sources)))

	businesses, perSource := e.collect(ctx, sources)
	run.Sources = perSource
	for _, st := range perSource {
		run.Fetched += st.Fetched
		run.Normalized += st.Normalized
		run.Skipped += st.Skipped
	}
	if err := ctx.Err(); err != nil {
		return e.finish(ctx, run, eris.Wrap(err, "engine: fetch cancelled"))
	}

	// Past the fetch stage the run completes even if the caller cancels.
	wctx := context.WithoutCancel(ctx)

	res, err := e.writer.WriteAll(wctx, businesses)
	run.Written = res.Written
	run.Failed = res.Failed
	if err != nil {
		return e.finish(wctx, run, err)
	}

	if !opts.SkipDedupe {
		removed, err := e.dedupe.Deduplicate(wctx)
		run.Deduplicated = removed
		if err != nil {
			return e.finish(wctx, run, err)
		}
	}

	return e.finish(wctx, run, nil)
}

func (e *Engine) selectSources(opts RunOpts) ([]source.Source, error) {
	if len(opts.Adhoc) > 0 {
		return opts.Adhoc, nil
	}

	want := make(map[string]bool, len(opts.Sources))
	for _, name := range opts.Sources {
		want[name] = true
	}
	var out []source.Source
	for _, s := range e.sources {
		if len(want) > 0 {
			if !want[s.Name] {
				continue
			}
			delete(want, s.Name)
		} else if s.Disabled {
			continue
		}
		out = append(out, s)
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for name := range want {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, &UnknownSourceError{Names: unknown}
	}
	return out, nil
}

// collect fetches and normalizes every source with bounded parallelism.
// Results keep source order so later sources win merges.
func (e *Engine) collect(ctx context.Context, sources []source.Source) ([]model.Business, []model.SourceTotals) {
	results := make([][]model.Business, len(sources))
	totals := make([]model.SourceTotals, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			results[i], totals[i] = e.processSource(gctx, src)
			return nil
		})
	}
	_ = g.Wait()

	var all []model.Business
	for _, r := range results {
		all = append(all, r...)
	}
	return all, totals
}

func (e *Engine) processSource(ctx context.Context, src source.Source) ([]model.Business, model.SourceTotals) {
	log := zap.L().With(zap.String("component", "bizsync.engine"), zap.String("source", src.Name))
	st := model.SourceTotals{Name: src.Name}

	records, err := e.fetcher.Fetch(ctx, src)
	if err != nil {
		var fe *source.FetchError
		if !errors.As(err, &fe) {
			err = &source.FetchError{Source: src.Name, Err: err}
		}
		log.Error("source fetch failed", zap.Error(err))
		st.Error = err.Error()
		return nil, st
	}
	st.Fetched = len(records)

	businesses, skipped, _ := e.normalizer.NormalizeAll(records, src.Name, src.Province)
	st.Normalized = len(businesses)
	st.Skipped = skipped

	log.Info("source processed",
		zap.Int("fetched", st.Fetched),
		zap.Int("normalized", st.Normalized),
		zap.Int("skipped", st.Skipped),
	)
	return businesses, st
}

// finish stamps the outcome, appends the run, records metrics and notifies.
func (e *Engine) finish(ctx context.Context, run model.SyncRun, runErr error) (model.SyncRun, error) {
	log := zap.L().With(zap.String("component", "bizsync.engine"), zap.String("run_id", run.ID))
	ctx = context.WithoutCancel(ctx)

	run.DurationSecs = e.now().UTC().Sub(run.StartedAt).Seconds()
	run.Status = model.SyncStatusSuccess
	if runErr != nil {
		run.Status = model.SyncStatusError
		run.Error = runErr.Error()
	}

	if err := e.store.AppendSyncRun(ctx, run); err != nil {
		log.Error("failed to record sync run", zap.Error(err))
		if runErr == nil {
			runErr = eris.Wrap(err, "engine: record sync run")
		}
	}
	e.metrics.ObserveSync(run)
	e.notify(ctx, run)

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("fetched", run.Fetched),
		zap.Int("normalized", run.Normalized),
		zap.Int("skipped", run.Skipped),
		zap.Int("written", run.Written),
		zap.Int("failed", run.Failed),
		zap.Int("deduplicated", run.Deduplicated),
		zap.Float64("duration_secs", run.DurationSecs),
	}
	if runErr != nil {
		log.Error("sync failed", append(fields, zap.Error(runErr))...)
		return run, runErr
	}
	log.Info("sync complete", fields...)
	return run, nil
}

func (e *Engine) notify(ctx context.Context, run model.SyncRun) {
	if e.notifier == nil {
		return
	}
	n := model.Notification{
		Type:    monitoring.TypeSyncCompleted,
		Subject: fmt.Sprintf("Data sync completed: %d written, %d removed as duplicates", run.Written, run.Deduplicated),
		Data: map[string]any{
			"runId":        run.ID,
			"trigger":      string(run.Trigger),
			"fetched":      run.Fetched,
			"normalized":   run.Normalized,
			"skipped":      run.Skipped,
			"written":      run.Written,
			"failed":       run.Failed,
			"deduplicated": run.Deduplicated,
			"duration":     run.DurationSecs,
		},
	}
	if run.Status == model.SyncStatusError {
		n.Type = monitoring.TypeSyncFailed
		n.Subject = "Data sync failed: " + run.Error
		n.Data["error"] = run.Error
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		zap.L().Warn("bizsync: notify", zap.String("type", n.Type), zap.Error(err))
	}
}
