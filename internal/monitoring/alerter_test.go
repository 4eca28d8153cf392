package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{StaleSyncHours: 192, FailureStreak: 2}
}

func TestAlerter_Evaluate_Healthy(t *testing.T) {
	a := NewAlerter(thresholds(), nil)
	last := now.Add(-24 * time.Hour)
	alerts := a.Evaluate(&Snapshot{LastSuccess: &last, CollectedAt: now})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_NeverSynced(t *testing.T) {
	a := NewAlerter(thresholds(), nil)
	alerts := a.Evaluate(&Snapshot{CollectedAt: now})
	require.Len(t, alerts, 1)
	assert.Equal(t, TypeSyncStale, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "No successful sync")
}

func TestAlerter_Evaluate_Stale(t *testing.T) {
	a := NewAlerter(thresholds(), nil)
	last := now.Add(-200 * time.Hour)
	alerts := a.Evaluate(&Snapshot{LastSuccess: &last, CollectedAt: now})
	require.Len(t, alerts, 1)
	assert.Equal(t, TypeSyncStale, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "200h ago")
}

func TestAlerter_Evaluate_FailureStreak(t *testing.T) {
	a := NewAlerter(thresholds(), nil)
	last := now.Add(-time.Hour)
	alerts := a.Evaluate(&Snapshot{LastSuccess: &last, FailureStreak: 3, LastError: "batch 2 failed", CollectedAt: now})
	require.Len(t, alerts, 1)
	assert.Equal(t, TypeSyncFailing, alerts[0].Type)
	assert.Equal(t, "batch 2 failed", alerts[0].Details["last_error"])
}

func TestAlerter_Evaluate_Disabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{}, nil)
	assert.Empty(t, a.Evaluate(&Snapshot{FailureStreak: 10, CollectedAt: now}))
}

func TestAlerter_Notify_StoresAndPostsWebhook(t *testing.T) {
	var received atomic.Int32
	var got model.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL}, st)
	a.now = func() time.Time { return now }

	err := a.Notify(context.Background(), model.Notification{
		Type:    TypeSyncCompleted,
		Subject: "Sync completed",
		Data:    map[string]any{"written": 12},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, TypeSyncCompleted, got.Type)
	assert.NotEmpty(t, got.ID)

	stored, err := st.ListNotifications(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Sync completed", stored[0].Subject)
	assert.Equal(t, now, stored[0].CreatedAt)
}

func TestAlerter_Notify_WebhookFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemory()
	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL}, st)
	require.NoError(t, a.Notify(context.Background(), model.Notification{Type: TypeSyncFailed}))

	stored, err := st.ListNotifications(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAlerter_SendAlerts(t *testing.T) {
	st := store.NewMemory()
	a := NewAlerter(thresholds(), st)
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: TypeSyncStale, Severity: "high", Message: "stale", Details: map[string]any{"age_hours": 300.0}},
		{Type: TypeSyncFailing, Severity: "high", Message: "failing"},
	})
	assert.Equal(t, 2, sent)

	stored, err := st.ListNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, TypeSyncFailing, stored[0].Type)
	assert.Equal(t, 300.0, stored[1].Data["age_hours"])
}
