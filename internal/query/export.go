package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportQuery selects businesses for a bulk export. Empty filters match
// everything.
type ExportQuery struct {
	Format   string
	Name     string
	Category string
	City     string
	Province string
	Source   string
	Limit    int
}

// ParseExportQuery reads export parameters. limit defaults to the engine's
// export cap.
func ParseExportQuery(q url.Values) (ExportQuery, error) {
	var v validator
	eq := ExportQuery{
		Format:   strings.ToLower(strings.TrimSpace(q.Get("format"))),
		Name:     sanitizeTerm(q.Get("name")),
		Category: sanitizeTerm(q.Get("category")),
		City:     sanitizeTerm(q.Get("city")),
		Province: strings.ToUpper(strings.TrimSpace(q.Get("province"))),
		Source:   strings.TrimSpace(q.Get("source")),
		Limit:    v.parseInt("limit", q.Get("limit"), 0),
	}
	if err := v.err(); err != nil {
		return eq, err
	}
	err := eq.validate()
	return eq, err
}

func (eq *ExportQuery) validate() error {
	var v validator
	if eq.Format == "" {
		eq.Format = FormatJSON
	}
	if eq.Format != FormatJSON && eq.Format != FormatCSV {
		v.add("format", "invalid_enum_value", "must be json or csv")
	}
	if eq.Province != "" && !model.IsProvince(eq.Province) {
		v.add("province", "invalid_enum_value", "unknown province code %q", eq.Province)
	}
	if eq.Limit < 0 {
		v.add("limit", "too_small", "must not be negative")
	}
	for _, f := range []struct{ name, val string }{{"name", eq.Name}, {"category", eq.Category}, {"city", eq.City}} {
		if utf8.RuneCountInString(f.val) > MaxTermLength {
			v.add(f.name, "too_big", "must be at most %d characters", MaxTermLength)
		}
	}
	return v.err()
}

// Export returns the businesses matching eq, capped at the configured
// export maximum, ordered by name.
func (e *Engine) Export(ctx context.Context, eq ExportQuery) ([]model.Business, error) {
	if err := eq.validate(); err != nil {
		return nil, err
	}
	limit := e.exportMax
	if eq.Limit > 0 && eq.Limit < limit {
		limit = eq.Limit
	}
	rows, err := e.store.FindBusinesses(ctx, store.Filter{
		NamePrefix: model.FoldKey(eq.Name),
		Category:   model.FoldKey(eq.Category),
		City:       model.FoldKey(eq.City),
		Province:   eq.Province,
		Source:     eq.Source,
	}, store.Page{Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "query: export")
	}
	if rows == nil {
		rows = []model.Business{}
	}
	return rows, nil
}

// CSVHeader is the column order of a CSV export.
var CSVHeader = []string{
	"id", "name", "alt_name", "business_number", "address", "city", "province",
	"postal_code", "category", "sector", "naics_code", "status", "employees",
	"phone", "email", "website", "latitude", "longitude", "source", "updated_at",
}

// WriteCSV renders businesses as CSV with a header row.
func WriteCSV(w io.Writer, businesses []model.Business) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return eris.Wrap(err, "query: write csv header")
	}
	for i := range businesses {
		if err := cw.Write(csvRow(&businesses[i])); err != nil {
			return eris.Wrap(err, "query: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "query: flush csv")
}

func csvRow(b *model.Business) []string {
	optFloat := func(f *float64) string {
		if f == nil {
			return ""
		}
		return strconv.FormatFloat(*f, 'f', -1, 64)
	}
	employees := ""
	if b.Employees != nil {
		employees = strconv.Itoa(*b.Employees)
	}
	updated := ""
	if !b.UpdatedAt.IsZero() {
		updated = b.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return []string{
		b.ID, b.Name, b.AltName, b.BusinessNumber, b.Address, b.City, b.Province,
		b.PostalCode, b.Category, b.Sector, b.NAICSCode, b.Status, employees,
		b.Phone, b.Email, b.Website, optFloat(b.Latitude), optFloat(b.Longitude),
		b.Source, updated,
	}
}

// WriteJSON renders businesses as a JSON array.
func WriteJSON(w io.Writer, businesses []model.Business) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(businesses), "query: write json")
}
