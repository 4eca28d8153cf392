// Package scheduler runs the periodic jobs: the weekly sync, API log
// cleanup, usage counter reset and the weekly usage report.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/ratelimit"
	"github.com/sells-group/bizdir/internal/store"
)

// Job names.
const (
	JobSync         = "sync"
	JobCleanupLogs  = "cleanup-logs"
	JobResetLimits  = "reset-limits"
	JobWeeklyReport = "weekly-report"
)

// JobNames lists every job in registration order.
var JobNames = []string{JobSync, JobCleanupLogs, JobResetLimits, JobWeeklyReport}

const topEndpoints = 10

// Syncer runs a full sync.
type Syncer interface {
	SyncAll(ctx context.Context, trigger model.SyncTrigger) (model.SyncRun, error)
}

// Store is the state the jobs read and prune.
type Store interface {
	store.SyncRuns
	store.Usage
	store.APILogs
	store.Admin
}

// Jobs implements each periodic job. Every job is idempotent and can run
// on its own.
type Jobs struct {
	sync      Syncer
	store     Store
	notifier  monitoring.Notifier
	retention time.Duration
	batch     int
	now       func() time.Time
}

// NewJobs creates the job set. notifier may be nil.
func NewJobs(sync Syncer, st Store, notifier monitoring.Notifier, cfg config.ScheduleConfig) *Jobs {
	days := cfg.LogRetentionDays
	if days <= 0 {
		days = 30
	}
	batch := cfg.CleanupBatch
	if batch <= 0 {
		batch = 500
	}
	return &Jobs{
		sync:      sync,
		store:     st,
		notifier:  notifier,
		retention: time.Duration(days) * 24 * time.Hour,
		batch:     batch,
		now:       time.Now,
	}
}

// Run executes the named job.
func (j *Jobs) Run(ctx context.Context, name string) error {
	switch name {
	case JobSync:
		return j.Sync(ctx)
	case JobCleanupLogs:
		_, err := j.CleanupLogs(ctx)
		return err
	case JobResetLimits:
		_, err := j.ResetLimits(ctx)
		return err
	case JobWeeklyReport:
		_, err := j.WeeklyReport(ctx)
		return err
	default:
		return eris.Errorf("scheduler: unknown job %q (want one of %s)", name, strings.Join(JobNames, ", "))
	}
}

// Sync runs the orchestrator over every enabled source. The orchestrator
// records the run and notifies administrators itself.
func (j *Jobs) Sync(ctx context.Context) error {
	if j.sync == nil {
		return eris.New("scheduler: sync not configured")
	}
	run, err := j.sync.SyncAll(ctx, model.TriggerSchedule)
	if err != nil {
		return eris.Wrapf(err, "scheduler: sync run %s", run.ID)
	}
	return nil
}

// CleanupLogs deletes API logs past the retention window in batches and
// returns how many were removed.
func (j *Jobs) CleanupLogs(ctx context.Context) (int64, error) {
	before := j.now().UTC().Add(-j.retention)
	var total int64
	for {
		n, err := j.store.DeleteAPILogsBefore(ctx, before, j.batch)
		total += n
		if err != nil {
			return total, eris.Wrap(err, "scheduler: cleanup logs")
		}
		if n < int64(j.batch) {
			break
		}
	}
	zap.L().Info("deleted old api logs", zap.Int64("deleted", total), zap.Time("before", before))
	return total, nil
}

// ResetLimits deletes usage counters of past days.
func (j *Jobs) ResetLimits(ctx context.Context) (int64, error) {
	day := ratelimit.Day(j.now())
	n, err := j.store.ResetUsage(ctx, day)
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: reset limits")
	}
	zap.L().Info("reset usage counters", zap.Int64("removed", n), zap.String("day", day))
	return n, nil
}

// WeeklyReport aggregates the last seven days of API logs, stores the
// report and notifies administrators.
func (j *Jobs) WeeklyReport(ctx context.Context) (*model.UsageReport, error) {
	end := j.now().UTC()
	start := end.Add(-7 * 24 * time.Hour)

	logs, err := j.store.ListAPILogsSince(ctx, start)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list api logs")
	}
	report := BuildUsageReport(logs, start, end)
	report.ID = ulid.Make().String()
	report.CreatedAt = end

	if err := j.store.SaveUsageReport(ctx, report); err != nil {
		return nil, eris.Wrap(err, "scheduler: save usage report")
	}

	if j.notifier != nil {
		n := model.Notification{
			Type:    monitoring.TypeWeeklyReport,
			Subject: "Weekly Usage Report",
			Data: map[string]any{
				"totalRequests": report.TotalRequests,
				"uniqueUsers":   report.UniqueUsers,
				"avgDuration":   report.AvgDurationMs,
				"statusCodes":   report.StatusCodes,
				"topEndpoints":  report.TopEndpoints,
			},
		}
		if err := j.notifier.Notify(ctx, n); err != nil {
			return &report, eris.Wrap(err, "scheduler: notify weekly report")
		}
	}

	zap.L().Info("weekly usage report generated",
		zap.Int("requests", report.TotalRequests),
		zap.Int("users", report.UniqueUsers),
	)
	return &report, nil
}

// BuildUsageReport aggregates logs into a report for [start, end).
func BuildUsageReport(logs []model.APILog, start, end time.Time) model.UsageReport {
	r := model.UsageReport{
		PeriodStart:   start,
		PeriodEnd:     end,
		TotalRequests: len(logs),
		StatusCodes:   map[int]int{},
		TopEndpoints:  []model.EndpointCount{},
	}
	if len(logs) == 0 {
		return r
	}

	users := map[string]struct{}{}
	endpoints := map[string]int{}
	var totalMs int64
	for _, l := range logs {
		users[l.UserID] = struct{}{}
		totalMs += l.DurationMs

		code := l.StatusCode
		if code == 0 {
			code = 500
		}
		r.StatusCodes[code]++

		ep := l.Endpoint
		if ep == "" {
			ep = "unknown"
		}
		endpoints[ep]++
	}
	r.UniqueUsers = len(users)
	r.AvgDurationMs = float64(totalMs) / float64(len(logs))

	for ep, n := range endpoints {
		r.TopEndpoints = append(r.TopEndpoints, model.EndpointCount{Endpoint: ep, Count: n})
	}
	sort.Slice(r.TopEndpoints, func(a, b int) bool {
		if r.TopEndpoints[a].Count != r.TopEndpoints[b].Count {
			return r.TopEndpoints[a].Count > r.TopEndpoints[b].Count
		}
		return r.TopEndpoints[a].Endpoint < r.TopEndpoints[b].Endpoint
	})
	if len(r.TopEndpoints) > topEndpoints {
		r.TopEndpoints = r.TopEndpoints[:topEndpoints]
	}
	return r
}
