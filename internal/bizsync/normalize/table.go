package normalize

import (
	_ "embed"
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultFields []byte

// Canonical field names resolved through the variant table.
const (
	FieldName             = "name"
	FieldAltName          = "alt_name"
	FieldBusinessNumber   = "business_number"
	FieldAddress          = "address"
	FieldCity             = "city"
	FieldProvince         = "province"
	FieldPostalCode       = "postal_code"
	FieldCategory         = "category"
	FieldSector           = "sector"
	FieldNAICSCode        = "naics_code"
	FieldNAICSDescription = "naics_description"
	FieldStatus           = "status"
	FieldEmployees        = "employees"
	FieldPhone            = "phone"
	FieldEmail            = "email"
	FieldWebsite          = "website"
	FieldLatitude         = "latitude"
	FieldLongitude        = "longitude"
)

// FieldTable maps each canonical field to its raw name variants.
type FieldTable struct {
	Fields    map[string][]string `yaml:"fields"`
	Provinces map[string]string   `yaml:"provinces"`
}

// LoadFieldTable reads a variant table from path, or the embedded default
// when path is empty.
func LoadFieldTable(path string) (*FieldTable, error) {
	data := defaultFields
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: read field table %s", path)
		}
		data = b
	}
	return ParseFieldTable(data)
}

// ParseFieldTable decodes a YAML variant table.
func ParseFieldTable(data []byte) (*FieldTable, error) {
	var t FieldTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "normalize: parse field table")
	}
	if len(t.Fields[FieldName]) == 0 {
		return nil, eris.New("normalize: field table has no name variants")
	}
	return &t, nil
}

// Lookup returns the first non-empty value among field's variants. Exact
// key matches win over case-insensitive ones.
func (t *FieldTable) Lookup(raw map[string]any, field string) string {
	return t.lookup(newRecordView(raw), field)
}

func (t *FieldTable) lookup(r recordView, field string) string {
	variants := t.Fields[field]
	for _, key := range variants {
		if s := stringify(r.raw[key]); s != "" {
			return s
		}
	}
	for _, key := range variants {
		if k, ok := r.folded[strings.ToLower(key)]; ok {
			if s := stringify(r.raw[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

// recordView indexes a raw record's keys by lower case. When two keys fold
// to the same form the lexically smaller one is used.
type recordView struct {
	raw    map[string]any
	folded map[string]string
}

func newRecordView(raw map[string]any) recordView {
	folded := make(map[string]string, len(raw))
	for k := range raw {
		lk := strings.ToLower(strings.TrimSpace(k))
		if prev, ok := folded[lk]; !ok || k < prev {
			folded[lk] = k
		}
	}
	return recordView{raw: raw, folded: folded}
}

// stringify renders a decoded JSON or CSV value as trimmed text.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return strings.TrimSpace(string(x))
	default:
		return ""
	}
}
