package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Limits shared by the list operations.
const (
	DefaultLimit  = 10
	MaxLimit      = 100
	MaxPage       = 1000
	MinTermLength = 2
	MaxTermLength = 200

	DefaultRadiusKm = 10.0
	MaxRadiusKm     = 100.0

	// MaxIDLength matches the longest id the normalizer produces.
	MaxIDLength = 1500
)

// FieldError describes one invalid input.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationError is returned for client input errors. It never wraps a
// store failure.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

type validator struct {
	fields []FieldError
}

func (v *validator) add(field, code, format string, args ...any) {
	v.fields = append(v.fields, FieldError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.fields}
}

// sanitizeTerm trims a search term and drops characters used for query
// injection.
func sanitizeTerm(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '$', '{', '}':
			return -1
		}
		return r
	}, s)
}

func (v *validator) term(field, value string) string {
	t := sanitizeTerm(value)
	n := utf8.RuneCountInString(t)
	switch {
	case n == 0:
		v.add(field, "required", "query parameter '%s' is required", field)
	case n < MinTermLength:
		v.add(field, "too_small", "must be at least %d characters", MinTermLength)
	case n > MaxTermLength:
		v.add(field, "too_big", "must be at most %d characters", MaxTermLength)
	}
	return t
}

func (v *validator) intRange(field string, value, lo, hi int) {
	if value < lo || value > hi {
		v.add(field, "out_of_range", "must be between %d and %d", lo, hi)
	}
}

func (v *validator) finite(field string, value, lo, hi float64) {
	switch {
	case math.IsNaN(value) || math.IsInf(value, 0):
		v.add(field, "invalid_number", "must be a finite number")
	case value < lo || value > hi:
		v.add(field, "out_of_range", "must be between %g and %g", lo, hi)
	}
}

// parseInt reads an optional integer parameter. Absent means def.
func (v *validator) parseInt(field, raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		v.add(field, "invalid_type", "must be an integer")
		return def
	}
	return n
}

// parseFloat reads a float parameter. Absent is an error when required,
// else def.
func (v *validator) parseFloat(field, raw string, required bool, def float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			v.add(field, "required", "query parameter '%s' is required", field)
			return math.NaN()
		}
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		v.add(field, "invalid_type", "must be a number")
		return math.NaN()
	}
	return f
}

// ValidateID checks a business id path parameter.
func ValidateID(id string) error {
	var v validator
	switch {
	case id == "":
		v.add("id", "required", "business id is required")
	case len(id) > MaxIDLength:
		v.add("id", "too_big", "business id is too long")
	case strings.ContainsAny(id, "/"):
		v.add("id", "invalid_string", "invalid business id format")
	}
	return v.err()
}
