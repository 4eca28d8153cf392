package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/model"
)

// businessColumns is the column order shared by inserts, COPY and selects.
var businessColumns = []string{
	"id", "name", "alt_name", "business_number", "address", "city", "province",
	"postal_code", "category", "sector", "naics_code", "naics_description",
	"status", "employees", "phone", "email", "website", "latitude", "longitude",
	"geohash", "source", "name_key", "city_key", "category_key",
	"imported_at", "updated_at",
}

var selectBusiness = "SELECT " + strings.Join(businessColumns, ", ") + " FROM businesses"

// textColumns keep their stored value when the incoming one is empty.
var textColumns = []string{
	"name", "alt_name", "business_number", "address", "city", "province",
	"postal_code", "category", "sector", "naics_code", "naics_description",
	"status", "phone", "email", "website", "source", "name_key", "city_key",
	"category_key",
}

// mergeUpdateCols lists the columns rewritten on conflict. imported_at is
// never updated.
func mergeUpdateCols() []string {
	cols := append([]string{}, textColumns...)
	return append(cols, "employees", "latitude", "longitude", "geohash", "updated_at")
}

// mergeExprs returns the ON CONFLICT SET expressions implementing
// upsert-merge, with target naming the existing row.
func mergeExprs(target string) map[string]string {
	exprs := make(map[string]string, len(textColumns)+5)
	for _, c := range textColumns {
		exprs[c] = fmt.Sprintf("COALESCE(NULLIF(excluded.%s, ''), %s.%s)", c, target, c)
	}
	exprs["employees"] = fmt.Sprintf("COALESCE(excluded.employees, %s.employees)", target)
	pair := "excluded.latitude IS NOT NULL AND excluded.longitude IS NOT NULL"
	for _, c := range []string{"latitude", "longitude", "geohash"} {
		exprs[c] = fmt.Sprintf("CASE WHEN %s THEN excluded.%s ELSE %s.%s END", pair, c, target, c)
	}
	exprs["updated_at"] = "excluded.updated_at"
	return exprs
}

func businessRow(b model.Business) []any {
	return []any{
		b.ID, b.Name, b.AltName, b.BusinessNumber, b.Address, b.City, b.Province,
		b.PostalCode, b.Category, b.Sector, b.NAICSCode, b.NAICSDescription,
		b.Status, nullable(b.Employees), b.Phone, b.Email, b.Website, nullable(b.Latitude), nullable(b.Longitude),
		b.Geohash, b.Source, b.NameKey, b.CityKey, b.CategoryKey,
		b.ImportedAt.UTC(), b.UpdatedAt.UTC(),
	}
}

// nullable unwraps p so drivers see either the value or NULL.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBusiness(row scanner) (model.Business, error) {
	var b model.Business
	err := row.Scan(
		&b.ID, &b.Name, &b.AltName, &b.BusinessNumber, &b.Address, &b.City, &b.Province,
		&b.PostalCode, &b.Category, &b.Sector, &b.NAICSCode, &b.NAICSDescription,
		&b.Status, &b.Employees, &b.Phone, &b.Email, &b.Website, &b.Latitude, &b.Longitude,
		&b.Geohash, &b.Source, &b.NameKey, &b.CityKey, &b.CategoryKey,
		&b.ImportedAt, &b.UpdatedAt,
	)
	return b, err
}

// scanSyncRun expects the selectSyncRun column order with sources as text.
func scanSyncRun(row scanner) (model.SyncRun, error) {
	var r model.SyncRun
	var sources sql.NullString
	err := row.Scan(&r.ID, &r.StartedAt, &r.DurationSecs, &r.Fetched, &r.Normalized, &r.Skipped,
		&r.Written, &r.Failed, &r.Deduplicated, &r.Status, &r.Error, &r.Trigger, &sources)
	if err != nil {
		return r, err
	}
	if sources.Valid {
		decodeJSONColumn(sources.String, "sync_runs", r.ID, &r.Sources)
	}
	return r, nil
}

const selectAudit = "SELECT id, action, user_id, target_id, metadata, ip, user_agent, success, error, ts FROM audit_logs"

// scanAudit expects the selectAudit column order with metadata as text.
func scanAudit(row scanner) (model.AuditEntry, error) {
	var e model.AuditEntry
	var meta sql.NullString
	err := row.Scan(&e.ID, &e.Action, &e.UserID, &e.TargetID, &meta, &e.IP, &e.UserAgent, &e.Success, &e.Error, &e.Timestamp)
	if err != nil {
		return e, err
	}
	if meta.Valid {
		decodeJSONColumn(meta.String, "audit_logs", e.ID, &e.Metadata)
	}
	return e, nil
}

// decodeJSONColumn unmarshals a stored JSON value into dst. A corrupt value is
// logged and leaves dst unchanged.
func decodeJSONColumn(raw, table, id string, dst any) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		zap.L().Warn("store: corrupt json column",
			zap.String("table", table),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

// escapeLike escapes LIKE wildcards so a name prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// whereClause renders f as a WHERE clause using ph for positional
// placeholders ("?" or "$n").
func whereClause(f Filter, ph func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}

	if f.NamePrefix != "" {
		add(`name_key LIKE %s ESCAPE '\'`, escapeLike(f.NamePrefix)+"%")
	}
	if f.Category != "" {
		add("category_key = %s", f.Category)
	}
	if f.City != "" {
		add("city_key = %s", f.City)
	}
	if f.Province != "" {
		add("province = %s", f.Province)
	}
	if f.Source != "" {
		add("source = %s", f.Source)
	}
	if f.MinLat != nil {
		add("latitude >= %s", *f.MinLat)
	}
	if f.MaxLat != nil {
		add("latitude <= %s", *f.MaxLat)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderClause(f Filter) string {
	if f.ByLatitude() {
		return " ORDER BY latitude, id"
	}
	return " ORDER BY name_key, id"
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func sqlitePlaceholder(int) string { return "?" }
