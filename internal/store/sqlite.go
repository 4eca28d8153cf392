package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bizdir/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS businesses (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	alt_name          TEXT NOT NULL DEFAULT '',
	business_number   TEXT NOT NULL DEFAULT '',
	address           TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	province          TEXT NOT NULL DEFAULT '',
	postal_code       TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	sector            TEXT NOT NULL DEFAULT '',
	naics_code        TEXT NOT NULL DEFAULT '',
	naics_description TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT '',
	employees         INTEGER,
	phone             TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	website           TEXT NOT NULL DEFAULT '',
	latitude          REAL,
	longitude         REAL,
	geohash           TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	name_key          TEXT NOT NULL DEFAULT '',
	city_key          TEXT NOT NULL DEFAULT '',
	category_key      TEXT NOT NULL DEFAULT '',
	imported_at       DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_businesses_name_key ON businesses(name_key);
CREATE INDEX IF NOT EXISTS idx_businesses_city_key ON businesses(city_key);
CREATE INDEX IF NOT EXISTS idx_businesses_category_key ON businesses(category_key);
CREATE INDEX IF NOT EXISTS idx_businesses_province ON businesses(province);
CREATE INDEX IF NOT EXISTS idx_businesses_latitude ON businesses(latitude);

CREATE TABLE IF NOT EXISTS sync_runs (
	id            TEXT PRIMARY KEY,
	started_at    DATETIME NOT NULL,
	duration_secs REAL NOT NULL DEFAULT 0,
	fetched       INTEGER NOT NULL DEFAULT 0,
	normalized    INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	written       INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	deduplicated  INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	triggered_by  TEXT NOT NULL DEFAULT '',
	sources       TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL DEFAULT 'user',
	api_key_hash TEXT NOT NULL UNIQUE,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_counters (
	key   TEXT PRIMARY KEY,
	day   TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_logs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	endpoint    TEXT NOT NULL,
	method      TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	ip          TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	ts          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_logs_ts ON api_logs(ts);

CREATE TABLE IF NOT EXISTS usage_reports (
	id              TEXT PRIMARY KEY,
	period_start    DATETIME NOT NULL,
	period_end      DATETIME NOT NULL,
	total_requests  INTEGER NOT NULL,
	unique_users    INTEGER NOT NULL,
	avg_duration_ms REAL NOT NULL,
	status_codes    TEXT NOT NULL,
	top_endpoints   TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	subject    TEXT NOT NULL,
	data       TEXT,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	target_id  TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	ip         TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	ts         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_ts ON audit_logs(ts);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteUpsertSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(businessColumns)), ", ")
	exprs := mergeExprs("businesses")
	cols := mergeUpdateCols()
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, exprs[c])
	}
	return fmt.Sprintf("INSERT INTO businesses (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(businessColumns, ", "), placeholders, strings.Join(sets, ", "))
}

func (s *SQLiteStore) UpsertBusinesses(ctx context.Context, batch []model.Business) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	batch = collapseByID(batch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSQL())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, b := range batch {
		if _, err := stmt.ExecContext(ctx, businessRow(b)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert business %s", b.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return len(batch), nil
}

func (s *SQLiteStore) DeleteBusinesses(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "DELETE FROM businesses WHERE id IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete businesses")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	b, err := scanBusiness(s.db.QueryRowContext(ctx, selectBusiness+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get business %s", id)
	}
	return &b, nil
}

func (s *SQLiteStore) FindBusinesses(ctx context.Context, f Filter, p Page) ([]model.Business, error) {
	where, args := whereClause(f, sqlitePlaceholder)
	query := selectBusiness + where + orderClause(f) + " LIMIT ? OFFSET ?"
	limit := p.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, p.Offset)
	return s.queryBusinesses(ctx, query, args...)
}

func (s *SQLiteStore) CountBusinesses(ctx context.Context, f Filter) (int64, error) {
	where, args := whereClause(f, sqlitePlaceholder)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM businesses"+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count businesses")
	}
	return n, nil
}

func (s *SQLiteStore) ScanBusinesses(ctx context.Context, afterID string, limit int) ([]model.Business, error) {
	return s.queryBusinesses(ctx, selectBusiness+" WHERE id > ? ORDER BY id LIMIT ?", afterID, limit)
}

func (s *SQLiteStore) queryBusinesses(ctx context.Context, query string, args ...any) ([]model.Business, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query businesses")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan business")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate businesses")
}

func (s *SQLiteStore) AppendSyncRun(ctx context.Context, run model.SyncRun) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sync sources")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, started_at, duration_secs, fetched, normalized, skipped, written, failed, deduplicated, status, error, triggered_by, sources)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), run.DurationSecs, run.Fetched, run.Normalized, run.Skipped,
		run.Written, run.Failed, run.Deduplicated, string(run.Status), run.Error, string(run.Trigger), string(sources),
	)
	return eris.Wrapf(err, "sqlite: append sync run %s", run.ID)
}

const selectSyncRun = `SELECT id, started_at, duration_secs, fetched, normalized, skipped, written, failed, deduplicated, status, error, triggered_by, sources FROM sync_runs`

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectSyncRun+" ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sync runs")
}

func (s *SQLiteStore) LastSuccessfulSync(ctx context.Context) (*model.SyncRun, error) {
	r, err := scanSyncRun(s.db.QueryRowContext(ctx,
		selectSyncRun+" WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT 1", string(model.SyncStatusSuccess)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last successful sync")
	}
	return &r, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, role, api_key_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, string(u.Role), u.APIKeyHash, u.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: create user %s", u.Email)
}

func (s *SQLiteStore) UserByKeyHash(ctx context.Context, hash string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, role, api_key_hash, created_at FROM users WHERE api_key_hash = ?`, hash,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.APIKeyHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: user by key")
	}
	return &u, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, key, day string, by int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (key, day, count) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET count = usage_counters.count + excluded.count
		 RETURNING count`,
		key, day, by,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: increment usage %s", key)
	}
	return n, nil
}

func (s *SQLiteStore) ResetUsage(ctx context.Context, day string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE day < ?`, day)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset usage")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) AppendAPILog(ctx context.Context, l model.APILog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_logs (id, user_id, endpoint, method, status_code, duration_ms, ip, user_agent, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.Endpoint, l.Method, l.StatusCode, l.DurationMs, l.IP, l.UserAgent, l.Timestamp.UTC(),
	)
	return eris.Wrap(err, "sqlite: append api log")
}

func (s *SQLiteStore) DeleteAPILogsBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = -1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_logs WHERE id IN (SELECT id FROM api_logs WHERE ts < ? ORDER BY ts LIMIT ?)`,
		before.UTC(), limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete api logs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) ListAPILogsSince(ctx context.Context, since time.Time) ([]model.APILog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, method, status_code, duration_ms, ip, user_agent, ts
		 FROM api_logs WHERE ts >= ? ORDER BY ts`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list api logs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.APILog
	for rows.Next() {
		var l model.APILog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Endpoint, &l.Method, &l.StatusCode, &l.DurationMs, &l.IP, &l.UserAgent, &l.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan api log")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate api logs")
}

func (s *SQLiteStore) SaveUsageReport(ctx context.Context, r model.UsageReport) error {
	codes, err := json.Marshal(r.StatusCodes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal status codes")
	}
	top, err := json.Marshal(r.TopEndpoints)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal top endpoints")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_reports (id, period_start, period_end, total_requests, unique_users, avg_duration_ms, status_codes, top_endpoints, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PeriodStart.UTC(), r.PeriodEnd.UTC(), r.TotalRequests, r.UniqueUsers, r.AvgDurationMs,
		string(codes), string(top), r.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save usage report")
}

func (s *SQLiteStore) AddNotification(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal notification data")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, type, subject, data, read, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Subject, string(data), n.Read, n.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: add notification")
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, subject, data, read, created_at FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list notifications")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var data sql.NullString
		if err := rows.Scan(&n.ID, &n.Type, &n.Subject, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan notification")
		}
		if data.Valid {
			decodeJSONColumn(data.String, "notifications", n.ID, &n.Data)
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate notifications")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, user_id, target_id, metadata, ip, user_agent, success, error, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.UserID, e.TargetID, string(meta), e.IP, e.UserAgent, e.Success, e.Error, e.Timestamp.UTC(),
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectAudit+" ORDER BY ts DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}
