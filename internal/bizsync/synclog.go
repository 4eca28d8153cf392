package bizsync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// SyncLog provides read access to the append-only sync run history.
type SyncLog struct {
	runs store.SyncRuns
}

// NewSyncLog creates a SyncLog backed by the given store.
func NewSyncLog(runs store.SyncRuns) *SyncLog {
	return &SyncLog{runs: runs}
}

// Recent returns up to limit runs, newest first. limit <= 0 means 10.
func (s *SyncLog) Recent(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	runs, err := s.runs.ListSyncRuns(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list recent runs")
	}
	return runs, nil
}

// LastSuccess returns the start time of the most recent successful run.
// Returns nil if no run has succeeded yet.
func (s *SyncLog) LastSuccess(ctx context.Context) (*time.Time, error) {
	run, err := s.runs.LastSuccessfulSync(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: last success")
	}
	if run == nil {
		return nil, nil
	}
	t := run.StartedAt
	return &t, nil
}
