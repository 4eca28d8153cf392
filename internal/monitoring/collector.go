package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// recentRuns is how much sync history a snapshot inspects.
const recentRuns = 20

// Snapshot is a point-in-time view of directory and sync health.
type Snapshot struct {
	TotalBusinesses int64      `json:"total_businesses"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	FailureStreak   int        `json:"failure_streak"`
	CollectedAt     time.Time  `json:"collected_at"`
}

// HealthSource is the slice of the store a Collector reads.
type HealthSource interface {
	store.SyncRuns
	CountBusinesses(ctx context.Context, f store.Filter) (int64, error)
}

// Collector gathers a Snapshot from the store.
type Collector struct {
	store HealthSource
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(st HealthSource) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect builds a snapshot from the recent sync log.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: c.now().UTC()}

	total, err := c.store.CountBusinesses(ctx, store.Filter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count businesses")
	}
	snap.TotalBusinesses = total

	runs, err := c.store.ListSyncRuns(ctx, recentRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sync runs")
	}
	if len(runs) > 0 {
		snap.LastRunStatus = string(runs[0].Status)
	}
	// Runs are newest first; count failures until the first success.
	for _, r := range runs {
		if r.Status == model.SyncStatusSuccess {
			break
		}
		if snap.LastError == "" {
			snap.LastError = r.Error
		}
		snap.FailureStreak++
	}

	last, err := c.store.LastSuccessfulSync(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last successful sync")
	}
	if last != nil {
		t := last.StartedAt
		snap.LastSuccess = &t
	}

	return snap, nil
}
