// Package store persists businesses, sync runs and API gateway state.
package store

import (
	"context"
	"time"

	"github.com/sells-group/bizdir/internal/model"
)

// Filter narrows a business query. Key fields hold folded search keys
// (model.FoldKey), not display values.
type Filter struct {
	NamePrefix string
	Category   string
	City       string
	Province   string
	Source     string
	MinLat     *float64
	MaxLat     *float64
}

// ByLatitude reports whether the filter is a latitude range; such queries
// are ordered by latitude instead of name.
func (f Filter) ByLatitude() bool {
	return f.MinLat != nil || f.MaxLat != nil
}

// Page bounds a query result.
type Page struct {
	Limit  int
	Offset int
}

// Businesses is the directory table.
type Businesses interface {
	// UpsertBusinesses merges the batch into storage atomically: either
	// every record is written or none is.
	UpsertBusinesses(ctx context.Context, batch []model.Business) (int, error)
	// DeleteBusinesses removes the given ids atomically.
	DeleteBusinesses(ctx context.Context, ids []string) (int, error)
	// GetBusiness returns (nil, nil) when the id does not exist.
	GetBusiness(ctx context.Context, id string) (*model.Business, error)
	FindBusinesses(ctx context.Context, f Filter, p Page) ([]model.Business, error)
	CountBusinesses(ctx context.Context, f Filter) (int64, error)
	// ScanBusinesses returns up to limit records with id > afterID in id order.
	ScanBusinesses(ctx context.Context, afterID string, limit int) ([]model.Business, error)
}

// SyncRuns is the append-only sync log.
type SyncRuns interface {
	AppendSyncRun(ctx context.Context, run model.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
	// LastSuccessfulSync returns nil when no run has succeeded yet.
	LastSuccessfulSync(ctx context.Context) (*model.SyncRun, error)
}

// Users holds API consumers.
type Users interface {
	CreateUser(ctx context.Context, u model.User) error
	// UserByKeyHash returns (nil, nil) for an unknown key.
	UserByKeyHash(ctx context.Context, hash string) (*model.User, error)
}

// Usage holds the daily request counters.
type Usage interface {
	// IncrementUsage atomically adds by to the counter for key and returns
	// the new value.
	IncrementUsage(ctx context.Context, key, day string, by int64) (int64, error)
	// ResetUsage deletes counters of days before day.
	ResetUsage(ctx context.Context, day string) (int64, error)
}

// APILogs holds persisted request records.
type APILogs interface {
	AppendAPILog(ctx context.Context, l model.APILog) error
	// DeleteAPILogsBefore removes at most limit logs older than before.
	DeleteAPILogsBefore(ctx context.Context, before time.Time, limit int) (int64, error)
	ListAPILogsSince(ctx context.Context, since time.Time) ([]model.APILog, error)
}

// Admin holds usage reports and administrator notifications.
type Admin interface {
	SaveUsageReport(ctx context.Context, r model.UsageReport) error
	AddNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]model.Notification, error)
}

// Audit is the append-only audit trail.
type Audit interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	// ListAudit returns up to limit entries, newest first. limit <= 0 means all.
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

// Store is the full persistence interface.
type Store interface {
	Businesses
	SyncRuns
	Users
	Usage
	APILogs
	Admin
	Audit

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// collapseByID folds repeated ids within one batch onto their first
// position so a single upsert never touches a row twice.
func collapseByID(batch []model.Business) []model.Business {
	idx := make(map[string]int, len(batch))
	out := make([]model.Business, 0, len(batch))
	for _, b := range batch {
		if i, ok := idx[b.ID]; ok {
			out[i] = out[i].Merge(b)
			continue
		}
		b.IndexKeys()
		idx[b.ID] = len(out)
		out = append(out, b)
	}
	return out
}
