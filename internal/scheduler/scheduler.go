package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
)

// Scheduler fires the jobs on their cron specs in the configured timezone.
type Scheduler struct {
	cron    *cron.Cron
	jobs    *Jobs
	loc     *time.Location
	catchUp bool
	log     *zap.Logger
	wg      sync.WaitGroup

	// base is the parent context of cron-fired jobs.
	base context.Context
}

// New parses the cron specs of cfg and registers every job. A job with an
// empty spec is not scheduled.
func New(cfg config.ScheduleConfig, jobs *Jobs) (*Scheduler, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "America/Toronto"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: load timezone %s", tz)
	}

	log := zap.L().With(zap.String("component", "scheduler"))
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:    jobs,
		loc:     loc,
		catchUp: cfg.CatchUp,
		log:     log,
		base:    context.Background(),
	}

	specs := map[string]string{
		JobSync:         cfg.Sync,
		JobCleanupLogs:  cfg.CleanupLogs,
		JobResetLimits:  cfg.ResetLimits,
		JobWeeklyReport: cfg.WeeklyReport,
	}
	for _, name := range JobNames {
		spec := specs[name]
		if spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(spec, s.runner(name)); err != nil {
			return nil, eris.Wrapf(err, "scheduler: job %s spec %q", name, spec)
		}
		log.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	}
	return s, nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runner(name string) func() {
	return func() {
		start := time.Now()
		if err := s.jobs.Run(s.base, name); err != nil {
			s.log.Error("job failed", zap.String("job", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return
		}
		s.log.Info("job complete", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	}
}

// CatchUp runs the sync job when no sync has succeeded in the current week.
// Returns whether a sync was started.
func (s *Scheduler) CatchUp(ctx context.Context) (bool, error) {
	last, err := s.jobs.store.LastSuccessfulSync(ctx)
	if err != nil {
		return false, eris.Wrap(err, "scheduler: last successful sync")
	}
	var lastAt *time.Time
	if last != nil {
		t := last.StartedAt.In(s.loc)
		lastAt = &t
	}
	if !WeeklySchedule(s.jobs.now().In(s.loc), lastAt) {
		return false, nil
	}
	s.log.Info("sync missed this week, running catch-up")
	return true, s.jobs.Sync(ctx)
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.base = ctx
	if s.catchUp {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.CatchUp(ctx); err != nil {
				s.log.Error("catch-up sync failed", zap.Error(err))
			}
		}()
	}

	s.cron.Start()
	s.log.Info("scheduler started", zap.String("timezone", s.loc.String()), zap.Int("jobs", s.Len()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
