package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// Notification types.
const (
	TypeSyncCompleted = "data.sync.completed"
	TypeSyncFailed    = "data.sync.failed"
	TypeSyncStale     = "data.sync.stale"
	TypeSyncFailing   = "data.sync.failing"
	TypeWeeklyReport  = "usage.weekly_report"
)

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Alert is a threshold breach found by Evaluate.
type Alert struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Alerter stores notifications for administrators and mirrors them to an
// optional webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	admin  store.Admin
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates an Alerter. admin may be nil to skip persistence.
func NewAlerter(cfg config.MonitoringConfig, admin store.Admin) *Alerter {
	return &Alerter{
		cfg:    cfg,
		admin:  admin,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Notify persists n and posts it to the webhook. A webhook failure is
// logged; only a persistence failure is returned.
func (a *Alerter) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = a.now().UTC()
	}

	if a.admin != nil {
		if err := a.admin.AddNotification(ctx, n); err != nil {
			return eris.Wrap(err, "monitoring: store notification")
		}
	}

	if a.cfg.WebhookURL != "" {
		if err := a.sendWebhook(ctx, n); err != nil {
			zap.L().Error("monitoring: failed to send webhook",
				zap.String("type", n.Type),
				zap.Error(err),
			)
		} else {
			zap.L().Info("monitoring: webhook sent", zap.String("type", n.Type))
		}
	}
	return nil
}

// Evaluate checks a health snapshot against the configured thresholds.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert

	staleAfter := time.Duration(a.cfg.StaleSyncHours) * time.Hour
	if staleAfter > 0 {
		switch {
		case snap.LastSuccess == nil:
			alerts = append(alerts, Alert{
				Type:     TypeSyncStale,
				Severity: "high",
				Message:  "No successful sync has been recorded",
			})
		case snap.CollectedAt.Sub(*snap.LastSuccess) > staleAfter:
			age := snap.CollectedAt.Sub(*snap.LastSuccess)
			alerts = append(alerts, Alert{
				Type:     TypeSyncStale,
				Severity: "high",
				Message: fmt.Sprintf("Last successful sync was %.0fh ago (threshold %dh)",
					age.Hours(), a.cfg.StaleSyncHours),
				Details: map[string]any{
					"last_success": snap.LastSuccess.Format(time.RFC3339),
					"age_hours":    age.Hours(),
				},
			})
		}
	}

	if a.cfg.FailureStreak > 0 && snap.FailureStreak >= a.cfg.FailureStreak {
		alerts = append(alerts, Alert{
			Type:     TypeSyncFailing,
			Severity: "high",
			Message:  fmt.Sprintf("%d consecutive sync runs failed", snap.FailureStreak),
			Details: map[string]any{
				"failure_streak": snap.FailureStreak,
				"last_error":     snap.LastError,
			},
		})
	}

	return alerts
}

// SendAlerts notifies each alert. Returns the number delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		data := map[string]any{"severity": alert.Severity, "message": alert.Message}
		for k, v := range alert.Details {
			data[k] = v
		}
		err := a.Notify(ctx, model.Notification{
			Type:    alert.Type,
			Subject: alert.Message,
			Data:    data,
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", alert.Type),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
