package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/db"
	"github.com/sells-group/bizdir/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID is the advisory lock key held while migrations run.
const migrationLockID = 7305021

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects a pool to databaseURL.
func NewPostgres(ctx context.Context, databaseURL string, maxConns, minConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending migrations in filename order under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		log.Info("applying migration", zap.String("file", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func businessUpsertConfig() db.UpsertConfig {
	return db.UpsertConfig{
		Table:        "businesses",
		Columns:      businessColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   mergeUpdateCols(),
		MergeExprs:   mergeExprs(db.TargetAlias),
	}
}

func (s *PostgresStore) UpsertBusinesses(ctx context.Context, batch []model.Business) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	batch = collapseByID(batch)
	rows := make([][]any, len(batch))
	for i, b := range batch {
		rows[i] = businessRow(b)
	}
	if _, err := db.BulkUpsert(ctx, s.pool, businessUpsertConfig(), rows); err != nil {
		return 0, eris.Wrap(err, "postgres: upsert businesses")
	}
	return len(batch), nil
}

func (s *PostgresStore) DeleteBusinesses(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM businesses WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete businesses")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	b, err := scanBusiness(s.pool.QueryRow(ctx, selectBusiness+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get business %s", id)
	}
	return &b, nil
}

func (s *PostgresStore) FindBusinesses(ctx context.Context, f Filter, p Page) ([]model.Business, error) {
	where, args := whereClause(f, pgPlaceholder)
	var limit any
	if p.Limit > 0 {
		limit = p.Limit
	}
	args = append(args, limit, p.Offset)
	query := selectBusiness + where + orderClause(f) +
		" LIMIT " + pgPlaceholder(len(args)-1) + " OFFSET " + pgPlaceholder(len(args))
	return s.queryBusinesses(ctx, query, args...)
}

func (s *PostgresStore) CountBusinesses(ctx context.Context, f Filter) (int64, error) {
	where, args := whereClause(f, pgPlaceholder)
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM businesses"+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count businesses")
	}
	return n, nil
}

func (s *PostgresStore) ScanBusinesses(ctx context.Context, afterID string, limit int) ([]model.Business, error) {
	return s.queryBusinesses(ctx, selectBusiness+" WHERE id > $1 ORDER BY id LIMIT $2", afterID, limit)
}

func (s *PostgresStore) queryBusinesses(ctx context.Context, query string, args ...any) ([]model.Business, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query businesses")
	}
	defer rows.Close()

	var out []model.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan business")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate businesses")
}

func (s *PostgresStore) AppendSyncRun(ctx context.Context, run model.SyncRun) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sync sources")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, started_at, duration_secs, fetched, normalized, skipped, written, failed, deduplicated, status, error, triggered_by, sources)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.StartedAt, run.DurationSecs, run.Fetched, run.Normalized, run.Skipped,
		run.Written, run.Failed, run.Deduplicated, string(run.Status), run.Error, string(run.Trigger), sources,
	)
	return eris.Wrapf(err, "postgres: append sync run %s", run.ID)
}

const pgSelectSyncRun = `SELECT id, started_at, duration_secs, fetched, normalized, skipped, written, failed, deduplicated,
	status, error, triggered_by, COALESCE(sources::text, '') FROM sync_runs`

func (s *PostgresStore) ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, pgSelectSyncRun+" ORDER BY started_at DESC, id DESC LIMIT $1", lim)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync runs")
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sync runs")
}

func (s *PostgresStore) LastSuccessfulSync(ctx context.Context) (*model.SyncRun, error) {
	r, err := scanSyncRun(s.pool.QueryRow(ctx,
		pgSelectSyncRun+" WHERE status = $1 ORDER BY started_at DESC, id DESC LIMIT 1", string(model.SyncStatusSuccess)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last successful sync")
	}
	return &r, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, api_key_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, string(u.Role), u.APIKeyHash, u.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create user %s", u.Email)
}

func (s *PostgresStore) UserByKeyHash(ctx context.Context, hash string) (*model.User, error) {
	var u model.User
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at FROM users WHERE api_key_hash = $1`, hash,
	).Scan(&u.ID, &u.Email, &u.Name, &role, &u.APIKeyHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: user by key")
	}
	u.Role = model.Role(role)
	return &u, nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, key, day string, by int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_counters (key, day, count) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET count = usage_counters.count + EXCLUDED.count
		 RETURNING count`,
		key, day, by,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: increment usage %s", key)
	}
	return n, nil
}

func (s *PostgresStore) ResetUsage(ctx context.Context, day string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_counters WHERE day < $1`, day)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset usage")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendAPILog(ctx context.Context, l model.APILog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_logs (id, user_id, endpoint, method, status_code, duration_ms, ip, user_agent, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.UserID, l.Endpoint, l.Method, l.StatusCode, l.DurationMs, l.IP, l.UserAgent, l.Timestamp,
	)
	return eris.Wrap(err, "postgres: append api log")
}

func (s *PostgresStore) DeleteAPILogsBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_logs WHERE id IN (SELECT id FROM api_logs WHERE ts < $1 ORDER BY ts LIMIT $2)`,
		before, lim,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete api logs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListAPILogsSince(ctx context.Context, since time.Time) ([]model.APILog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, endpoint, method, status_code, duration_ms, ip, user_agent, ts
		 FROM api_logs WHERE ts >= $1 ORDER BY ts`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list api logs")
	}
	defer rows.Close()

	var out []model.APILog
	for rows.Next() {
		var l model.APILog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Endpoint, &l.Method, &l.StatusCode, &l.DurationMs, &l.IP, &l.UserAgent, &l.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan api log")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate api logs")
}

func (s *PostgresStore) SaveUsageReport(ctx context.Context, r model.UsageReport) error {
	codes, err := json.Marshal(r.StatusCodes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal status codes")
	}
	top, err := json.Marshal(r.TopEndpoints)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal top endpoints")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO usage_reports (id, period_start, period_end, total_requests, unique_users, avg_duration_ms, status_codes, top_endpoints, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.PeriodStart, r.PeriodEnd, r.TotalRequests, r.UniqueUsers, r.AvgDurationMs, codes, top, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save usage report")
}

func (s *PostgresStore) AddNotification(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal notification data")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO notifications (id, type, subject, data, read, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.Type, n.Subject, data, n.Read, n.CreatedAt,
	)
	return eris.Wrap(err, "postgres: add notification")
}

func (s *PostgresStore) ListNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, subject, COALESCE(data::text, ''), read, created_at
		 FROM notifications ORDER BY created_at DESC, id DESC LIMIT $1`, lim)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list notifications")
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var data string
		if err := rows.Scan(&n.ID, &n.Type, &n.Subject, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan notification")
		}
		decodeJSONColumn(data, "notifications", n.ID, &n.Data)
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate notifications")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, action, user_id, target_id, metadata, ip, user_agent, success, error, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, string(e.Action), e.UserID, e.TargetID, meta, e.IP, e.UserAgent, e.Success, e.Error, e.Timestamp,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, user_id, target_id, COALESCE(metadata::text, ''), ip, user_agent, success, error, ts
		 FROM audit_logs ORDER BY ts DESC, id DESC LIMIT $1`, lim)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.TargetID, &meta, &e.IP, &e.UserAgent, &e.Success, &e.Error, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		decodeJSONColumn(meta, "audit_logs", e.ID, &e.Metadata)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit")
}
