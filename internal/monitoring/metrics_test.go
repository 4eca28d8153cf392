package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir/internal/model"
)

func TestMetrics_ObserveSync(t *testing.T) {
	m := NewMetrics()
	m.ObserveSync(model.SyncRun{
		Status:       model.SyncStatusSuccess,
		DurationSecs: 12.5,
		Totals:       model.Totals{Fetched: 10, Normalized: 9, Skipped: 1, Written: 9, Deduplicated: 2},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.SyncRecords.WithLabelValues("fetched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRecords.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncRecords.WithLabelValues("deduplicated")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SyncDuration))
}

func TestMetrics_ObserveRequest(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("/api/v1/stats", "GET", 200, 15*time.Millisecond)
	m.ObserveRequest("/api/v1/stats", "GET", 200, 20*time.Millisecond)
	m.ObserveRequest("/api/v1/stats", "GET", 429, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/v1/stats", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/v1/stats", "GET", "429")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSync(model.SyncRun{})
	m.ObserveRequest("/", "GET", 200, 0)
	m.ObserveBatchFailure()
	m.ObserveQuotaRejected()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveBatchFailure()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bizdir_sync_batch_failures_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
