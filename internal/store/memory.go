package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/model"
)

// MemoryStore implements Store in process memory. Used by tests and demos.
type MemoryStore struct {
	mu            sync.RWMutex
	businesses    map[string]model.Business
	syncRuns      []model.SyncRun
	users         map[string]model.User
	usage         map[string]usageCounter
	apiLogs       []model.APILog
	reports       []model.UsageReport
	notifications []model.Notification
	audit         []model.AuditEntry

	// FailUpserts makes the next n UpsertBusinesses calls fail.
	FailUpserts int
	// FailDeletes makes the next n DeleteBusinesses calls fail.
	FailDeletes int
}

type usageCounter struct {
	day   string
	count int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		businesses: make(map[string]model.Business),
		users:      make(map[string]model.User),
		usage:      make(map[string]usageCounter),
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) UpsertBusinesses(ctx context.Context, batch []model.Business) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "memory: upsert businesses")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUpserts > 0 {
		s.FailUpserts--
		return 0, eris.New("memory: upsert businesses: injected failure")
	}

	batch = collapseByID(batch)
	for _, b := range batch {
		if stored, ok := s.businesses[b.ID]; ok {
			s.businesses[b.ID] = stored.Merge(b)
			continue
		}
		b.Distance = nil
		s.businesses[b.ID] = b
	}
	return len(batch), nil
}

func (s *MemoryStore) DeleteBusinesses(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDeletes > 0 {
		s.FailDeletes--
		return 0, eris.New("memory: delete businesses: injected failure")
	}
	n := 0
	for _, id := range ids {
		if _, ok := s.businesses[id]; ok {
			delete(s.businesses, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetBusiness(_ context.Context, id string) (*model.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryStore) matching(f Filter) []model.Business {
	var out []model.Business
	for _, b := range s.businesses {
		if f.NamePrefix != "" && !strings.HasPrefix(b.NameKey, f.NamePrefix) {
			continue
		}
		if f.Category != "" && b.CategoryKey != f.Category {
			continue
		}
		if f.City != "" && b.CityKey != f.City {
			continue
		}
		if f.Province != "" && b.Province != f.Province {
			continue
		}
		if f.Source != "" && b.Source != f.Source {
			continue
		}
		if f.ByLatitude() {
			if b.Latitude == nil {
				continue
			}
			if f.MinLat != nil && *b.Latitude < *f.MinLat {
				continue
			}
			if f.MaxLat != nil && *b.Latitude > *f.MaxLat {
				continue
			}
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		if f.ByLatitude() && *out[i].Latitude != *out[j].Latitude {
			return *out[i].Latitude < *out[j].Latitude
		}
		if !f.ByLatitude() && out[i].NameKey != out[j].NameKey {
			return out[i].NameKey < out[j].NameKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) FindBusinesses(_ context.Context, f Filter, p Page) ([]model.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.matching(f)
	if p.Offset >= len(all) {
		return nil, nil
	}
	all = all[p.Offset:]
	if p.Limit > 0 && p.Limit < len(all) {
		all = all[:p.Limit]
	}
	return all, nil
}

func (s *MemoryStore) CountBusinesses(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matching(f))), nil
}

func (s *MemoryStore) ScanBusinesses(_ context.Context, afterID string, limit int) ([]model.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.businesses))
	for id := range s.businesses {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Business, len(ids))
	for i, id := range ids {
		out[i] = s.businesses[id]
	}
	return out, nil
}

func (s *MemoryStore) AppendSyncRun(_ context.Context, run model.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncRuns = append(s.syncRuns, run)
	return nil
}

func (s *MemoryStore) ListSyncRuns(_ context.Context, limit int) ([]model.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SyncRun
	for i := len(s.syncRuns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.syncRuns[i])
	}
	return out, nil
}

func (s *MemoryStore) LastSuccessfulSync(_ context.Context) (*model.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.syncRuns) - 1; i >= 0; i-- {
		if s.syncRuns[i].Status == model.SyncStatusSuccess {
			run := s.syncRuns[i]
			return &run, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return eris.Errorf("memory: user %s already exists", u.Email)
		}
	}
	s.users[u.APIKeyHash] = u
	return nil
}

func (s *MemoryStore) UserByKeyHash(_ context.Context, hash string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[hash]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, key, day string, by int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.usage[key]
	c.day = day
	c.count += by
	s.usage[key] = c
	return c.count, nil
}

func (s *MemoryStore) ResetUsage(_ context.Context, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.usage {
		if c.day < day {
			delete(s.usage, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendAPILog(_ context.Context, l model.APILog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiLogs = append(s.apiLogs, l)
	return nil
}

func (s *MemoryStore) DeleteAPILogsBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.apiLogs, func(i, j int) bool { return s.apiLogs[i].Timestamp.Before(s.apiLogs[j].Timestamp) })
	kept := s.apiLogs[:0]
	var n int64
	for _, l := range s.apiLogs {
		if l.Timestamp.Before(before) && (limit <= 0 || n < int64(limit)) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.apiLogs = kept
	return n, nil
}

func (s *MemoryStore) ListAPILogsSince(_ context.Context, since time.Time) ([]model.APILog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.APILog
	for _, l := range s.apiLogs {
		if !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveUsageReport(_ context.Context, r model.UsageReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

// UsageReports returns the saved reports in insertion order.
func (s *MemoryStore) UsageReports() []model.UsageReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.UsageReport(nil), s.reports...)
}

func (s *MemoryStore) AddNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.notifications[i])
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.audit[i])
	}
	return out, nil
}
