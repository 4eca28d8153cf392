// Package normalize maps heterogeneous open-data records onto the canonical
// Business and derives their deterministic ids.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/geo"
	"github.com/sells-group/bizdir/internal/model"
)

const (
	// MaxIDLength is the longest id the store accepts.
	MaxIDLength = 1500
	slugMaxLen  = 40
	hashLen     = 20
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// ErrMissingName rejects a record with no resolvable name.
var ErrMissingName = eris.New("normalize: missing name")

// Error rejects a record whose field could not be normalized.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize: %s: %s", e.Field, e.Reason)
}

// Normalizer converts raw records using a field variant table.
type Normalizer struct {
	table *FieldTable
	now   func() time.Time
}

// New creates a Normalizer from the table at fieldsPath, or the embedded
// default table when fieldsPath is empty.
func New(fieldsPath string) (*Normalizer, error) {
	t, err := LoadFieldTable(fieldsPath)
	if err != nil {
		return nil, err
	}
	return NewWithTable(t), nil
}

// NewWithTable creates a Normalizer over an already loaded table.
func NewWithTable(t *FieldTable) *Normalizer {
	return &Normalizer{table: t, now: time.Now}
}

// Normalize maps one raw record. source tags the result and province is the
// source's default province code ("ALL" for national sources).
func (n *Normalizer) Normalize(raw map[string]any, source, province string) (b model.Business, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = model.Business{}
			err = &Error{Field: "record", Reason: fmt.Sprint(r)}
		}
	}()

	r := newRecordView(raw)
	get := func(field string) string { return n.table.lookup(r, field) }

	name := collapseSpace(get(FieldName))
	if name == "" {
		return model.Business{}, ErrMissingName
	}

	now := n.now().UTC()
	b = model.Business{
		Name:             name,
		AltName:          collapseSpace(get(FieldAltName)),
		Address:          collapseSpace(get(FieldAddress)),
		City:             collapseSpace(get(FieldCity)),
		Province:         n.province(get(FieldProvince), province),
		PostalCode:       PostalCode(get(FieldPostalCode)),
		Sector:           get(FieldSector),
		NAICSCode:        NormalizeNAICS(get(FieldNAICSCode)),
		NAICSDescription: get(FieldNAICSDescription),
		Status:           get(FieldStatus),
		Phone:            Phone(get(FieldPhone)),
		Email:            get(FieldEmail),
		Website:          get(FieldWebsite),
		Source:           source,
		UpdatedAt:        now,
		ImportedAt:       now,
	}

	if bn, ok := AuthoritativeID(get(FieldBusinessNumber)); ok {
		b.ID = bn
		b.BusinessNumber = get(FieldBusinessNumber)
	} else {
		b.ID = HashID(b.Name, b.Address, b.PostalCode, b.City)
	}

	b.Category = firstNonEmpty(get(FieldCategory), b.NAICSDescription, b.Sector, b.NAICSCode)
	if b.Sector == "" {
		b.Sector = NAICSSector(b.NAICSCode)
	}

	if v, ok := ParseNumber(get(FieldEmployees)); ok && v >= 0 && v <= math.MaxInt32 {
		emp := int(v)
		b.Employees = &emp
	}

	lat, latOK := ParseNumber(get(FieldLatitude))
	lng, lngOK := ParseNumber(get(FieldLongitude))
	if latOK && lngOK && geo.ValidLatLng(lat, lng) {
		b.Latitude = &lat
		b.Longitude = &lng
		b.Geohash = geo.Geohash(lat, lng)
	}

	b.IndexKeys()
	return b, nil
}

// NormalizeAll maps a batch, skipping rejected records. errs holds one entry
// per skipped record.
func (n *Normalizer) NormalizeAll(records []map[string]any, source, province string) ([]model.Business, int, []error) {
	out := make([]model.Business, 0, len(records))
	var errs []error
	for i, raw := range records {
		b, err := n.Normalize(raw, source, province)
		if err != nil {
			errs = append(errs, eris.Wrapf(err, "record %d", i))
			continue
		}
		out = append(out, b)
	}
	if len(errs) > 0 {
		missing := 0
		for _, err := range errs {
			if errors.Is(err, ErrMissingName) {
				missing++
			}
		}
		zap.L().Debug("normalize: records skipped",
			zap.String("source", source),
			zap.Int("skipped", len(errs)),
			zap.Int("missing_name", missing),
		)
	}
	return out, len(errs), errs
}

// province prefers the record's own valid province over the source default.
// "ALL" and unknown codes are never stored.
func (n *Normalizer) province(recordValue, sourceDefault string) string {
	if p := n.provinceCode(recordValue); p != "" {
		return p
	}
	return n.provinceCode(sourceDefault)
}

func (n *Normalizer) provinceCode(v string) string {
	v = strings.ToUpper(collapseSpace(v))
	if model.IsProvince(v) {
		return v
	}
	if code, ok := n.table.Provinces[v]; ok && model.IsProvince(code) {
		return code
	}
	return ""
}

// AuthoritativeID sanitizes an external business number for use as an id.
// Blank values, textual null/undefined and values mangled into scientific
// notation are refused.
func AuthoritativeID(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.ContainsAny(v, "eE") {
		return "", false
	}
	switch strings.ToLower(v) {
	case "null", "undefined":
		return "", false
	}
	id := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || strings.ContainsRune("/.#[]", r) {
			return -1
		}
		return r
	}, v)
	if id == "" {
		return "", false
	}
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	return id, true
}

// HashID derives a readable, deterministic id from a business's identity
// fields: prefix(name) + "-" + the first 20 hex chars of
// sha256(lower(name|address|postal|city)). The prefix is the lowercased name
// with every run outside [a-z0-9] replaced by "-", trimmed of dashes, then cut
// to 40 bytes. Accented letters are not transliterated, so stored ids stay
// stable across releases.
func HashID(name, address, postal, city string) string {
	fp := strings.ToLower(strings.Join([]string{
		strings.TrimSpace(name),
		strings.TrimSpace(address),
		strings.TrimSpace(postal),
		strings.TrimSpace(city),
	}, "|"))
	sum := sha256.Sum256([]byte(fp))
	hash := hex.EncodeToString(sum[:])[:hashLen]

	prefix := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(prefix) > slugMaxLen {
		prefix = prefix[:slugMaxLen]
	}
	if prefix == "" {
		prefix = "biz"
	}
	return prefix + "-" + hash
}

// PostalCode upper-cases and removes spaces; six characters become "A1A 1A1".
func PostalCode(v string) string {
	cleaned := strings.ToUpper(strings.Join(strings.Fields(v), ""))
	if len(cleaned) == 6 {
		return cleaned[:3] + " " + cleaned[3:]
	}
	return cleaned
}

// Phone formats ten-digit numbers as (XXX) XXX-XXXX and returns anything
// else unchanged.
func Phone(v string) string {
	v = strings.TrimSpace(v)
	var digits strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 10 {
		return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
	}
	return v
}

// ParseNumber keeps only digits, '.' and '-' and parses the rest. Blank,
// unparseable and non-finite values report false.
func ParseNumber(v string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, v)
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
