package bizsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir/internal/bizsync/normalize"
	"github.com/sells-group/bizdir/internal/bizsync/source"
	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/store"
)

type stubFetcher struct {
	mu      sync.Mutex
	records map[string][]source.RawRecord
	errs    map[string]error
	calls   []string
}

func (f *stubFetcher) Fetch(_ context.Context, src source.Source) ([]source.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, src.Name)
	if err := f.errs[src.Name]; err != nil {
		return nil, err
	}
	return f.records[src.Name], nil
}

type engineFixture struct {
	store   *store.MemoryStore
	fetcher *stubFetcher
	metrics *monitoring.Metrics
	engine  *Engine
	lock    *LocalLock
	sources []source.Source
	alerter *monitoring.Alerter
}

func newFixture(t *testing.T, sources ...source.Source) *engineFixture {
	t.Helper()
	n, err := normalize.New("")
	require.NoError(t, err)

	fx := &engineFixture{
		store:   store.NewMemory(),
		fetcher: &stubFetcher{records: map[string][]source.RawRecord{}, errs: map[string]error{}},
		metrics: monitoring.NewMetrics(),
		lock:    NewLocalLock(),
		sources: sources,
	}
	fx.alerter = monitoring.NewAlerter(config.MonitoringConfig{}, fx.store)
	fx.engine = NewEngine(fx.store, fx.fetcher, n, sources, EngineOptions{
		Batch:    fastBatches(2, 2),
		Lock:     fx.lock,
		Notifier: fx.alerter,
		Metrics:  fx.metrics,
	})
	return fx
}

func (fx *engineFixture) runs(t *testing.T) []model.SyncRun {
	t.Helper()
	runs, err := NewSyncLog(fx.store).Recent(context.Background(), 100)
	require.NoError(t, err)
	return runs
}

func (fx *engineFixture) notifications(t *testing.T) []model.Notification {
	t.Helper()
	ns, err := fx.store.ListNotifications(context.Background(), 0)
	require.NoError(t, err)
	return ns
}

func TestEngine_MapleSyrupScenario(t *testing.T) {
	fx := newFixture(t,
		source.Source{Name: "qc-registry", Kind: "stub", Province: "QC"},
		source.Source{Name: "qc-open-data", Kind: "stub", Province: "QC"},
	)
	fx.fetcher.records["qc-registry"] = []source.RawRecord{
		{"business_name": "Maple Syrup Inc", "city": "Montreal", "province": "QC"},
	}
	fx.fetcher.records["qc-open-data"] = []source.RawRecord{
		{"NAME": "MAPLE SYRUP INC", "City": "montreal"},
	}

	run, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, run.Status)
	assert.Equal(t, 2, run.Fetched)
	assert.Equal(t, 2, run.Normalized)

	all, err := fx.store.FindBusinesses(context.Background(), store.Filter{}, store.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "qc-open-data", all[0].Source)
	assert.Equal(t, "QC", all[0].Province)
}

func TestEngine_MalformedRowResilience(t *testing.T) {
	fx := newFixture(t, source.Source{Name: "on", Kind: "stub", Province: "ON"})
	fx.fetcher.records["on"] = []source.RawRecord{
		{"business_name": "Good One", "city": "Ottawa"},
		{"city": "Kingston"},
		{"business_name": "Good Two", "city": "Toronto"},
	}

	run, err := fx.engine.SyncAll(context.Background(), model.TriggerCLI)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, run.Skipped, 1)
	assert.Equal(t, 2, run.Written)
	assert.Equal(t, int64(2), count(t, fx.store))
}

func TestEngine_SourceFailureDoesNotFailRun(t *testing.T) {
	fx := newFixture(t,
		source.Source{Name: "broken", Kind: "stub", Province: "BC"},
		source.Source{Name: "ok", Kind: "stub", Province: "AB"},
	)
	fx.fetcher.errs["broken"] = errors.New("connection refused")
	fx.fetcher.records["ok"] = []source.RawRecord{{"name": "Prairie Oil", "city": "Calgary"}}

	run, err := fx.engine.SyncAll(context.Background(), model.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, run.Status)
	require.Len(t, run.Sources, 2)
	assert.Contains(t, run.Sources[0].Error, "connection refused")
	assert.Equal(t, 1, run.Sources[1].Fetched)
	assert.Equal(t, 1, run.Written)
}

func TestEngine_Idempotent(t *testing.T) {
	fx := newFixture(t, source.Source{Name: "on", Kind: "stub", Province: "ON"})
	fx.fetcher.records["on"] = []source.RawRecord{
		{"business_name": "Alpha", "city": "Ottawa", "postal_code": "k1a0b1"},
		{"business_name": "Beta", "city": "Ottawa", "business_number": "123456789"},
	}

	_, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	first, err := fx.store.GetBusiness(context.Background(), "123456789")
	require.NoError(t, err)
	require.NotNil(t, first)

	run, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, run.Deduplicated)
	assert.Equal(t, int64(2), count(t, fx.store))

	second, err := fx.store.GetBusiness(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Equal(t, first.ImportedAt, second.ImportedAt)
	assert.Len(t, fx.runs(t), 2)
}

func TestEngine_BatchFailureRecordsError(t *testing.T) {
	fx := newFixture(t, source.Source{Name: "mb", Kind: "stub", Province: "MB"})
	fx.fetcher.records["mb"] = []source.RawRecord{{"name": "Winnipeg Widgets", "city": "Winnipeg"}}
	fx.store.FailUpserts = 3

	run, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.Error(t, err)
	var bce *BatchCommitError
	assert.True(t, errors.As(err, &bce))
	assert.Equal(t, model.SyncStatusError, run.Status)
	assert.Equal(t, 1, run.Failed)

	runs := fx.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, model.SyncStatusError, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)

	ns := fx.notifications(t)
	require.Len(t, ns, 1)
	assert.Equal(t, monitoring.TypeSyncFailed, ns[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.SyncRuns.WithLabelValues("error")))
}

func TestEngine_LockBusy(t *testing.T) {
	fx := newFixture(t, source.Source{Name: "ns", Kind: "stub", Province: "NS"})
	release, err := fx.lock.TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	run, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, model.SyncStatusError, run.Status)
	assert.Empty(t, fx.fetcher.calls)

	runs := fx.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, model.SyncStatusError, runs[0].Status)
}

func TestEngine_SuccessNotifies(t *testing.T) {
	fx := newFixture(t, source.Source{Name: "pe", Kind: "stub", Province: "PE"})
	fx.fetcher.records["pe"] = []source.RawRecord{{"name": "Island Potatoes"}}

	_, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.NoError(t, err)

	ns := fx.notifications(t)
	require.Len(t, ns, 1)
	assert.Equal(t, monitoring.TypeSyncCompleted, ns[0].Type)
	assert.EqualValues(t, 1, ns[0].Data["written"])

	last, err := NewSyncLog(fx.store).LastSuccess(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestEngine_SourceSelection(t *testing.T) {
	fx := newFixture(t,
		source.Source{Name: "on", Kind: "stub"},
		source.Source{Name: "statscan", Kind: "stub", Disabled: true},
		source.Source{Name: "bc", Kind: "stub"},
	)

	_, err := fx.engine.SyncAll(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"on", "bc"}, fx.fetcher.calls)

	fx.fetcher.calls = nil
	_, err = fx.engine.Run(context.Background(), model.TriggerCLI, RunOpts{Sources: []string{"statscan"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"statscan"}, fx.fetcher.calls)

	fx.fetcher.calls = nil
	run, err := fx.engine.Run(context.Background(), model.TriggerCLI, RunOpts{Sources: []string{"yukon", "on", "nunavut"}})
	var unknown *UnknownSourceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"nunavut", "yukon"}, unknown.Names)
	assert.Empty(t, run.ID)
	assert.Empty(t, fx.fetcher.calls)
	assert.Len(t, fx.runs(t), 2)
}

func TestEngine_CancelledBeforeWrite(t *testing.T) {
	fx := newFixture(t, source.Source{Name: "nl", Kind: "stub", Province: "NL"})
	fx.fetcher.records["nl"] = []source.RawRecord{{"name": "Cod Co"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := fx.engine.SyncAll(ctx, model.TriggerManual)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.SyncStatusError, run.Status)
	assert.Zero(t, count(t, fx.store))
	assert.Len(t, fx.runs(t), 1)
}

func TestEngine_WithRegistryAndJSONSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yukon.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"business_name": "Klondike Gold", "city": "Dawson City", "latitude": 64.06, "longitude": -139.43},
		{"business_name": "Whitehorse Books", "city": "Whitehorse", "phone": "8675550100"}
	]`), 0o644))

	n, err := normalize.New("")
	require.NoError(t, err)
	st := store.NewMemory()
	reg := source.NewRegistry(nil, source.Options{})
	src := source.Source{Name: "yukon", Kind: source.KindJSON, Path: path, Province: "YT"}
	e := NewEngine(st, reg, n, []source.Source{src}, EngineOptions{Batch: fastBatches(10, 1)})

	run, err := e.SyncAll(context.Background(), model.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Written)

	found, err := st.FindBusinesses(context.Background(), store.Filter{Province: "YT"}, store.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, found, 2)
	for _, b := range found {
		if b.Name == "Whitehorse Books" {
			assert.Equal(t, "(867) 555-0100", b.Phone)
		} else {
			assert.True(t, b.HasLocation())
			assert.NotEmpty(t, b.Geohash)
		}
	}
}
