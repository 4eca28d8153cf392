// Package model defines the canonical records shared by the ingestion and query paths.
package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Provinces lists the Canadian province and territory codes reported by stats.
var Provinces = []string{"ON", "BC", "AB", "QC", "MB", "SK", "NS", "NB", "PE", "NL", "YT", "NT", "NU"}

// IsProvince reports whether code is one of the 13 province or territory codes.
func IsProvince(code string) bool {
	for _, p := range Provinces {
		if p == code {
			return true
		}
	}
	return false
}

// Business is the canonical directory record.
type Business struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	AltName          string     `json:"altName,omitempty"`
	BusinessNumber   string     `json:"businessNumber,omitempty"`
	Address          string     `json:"address,omitempty"`
	City             string     `json:"city,omitempty"`
	Province         string     `json:"province,omitempty"`
	PostalCode       string     `json:"postalCode,omitempty"`
	Category         string     `json:"category,omitempty"`
	Sector           string     `json:"sector,omitempty"`
	NAICSCode        string     `json:"naicsCode,omitempty"`
	NAICSDescription string     `json:"naicsDescription,omitempty"`
	Status           string     `json:"status,omitempty"`
	Employees        *int       `json:"employees,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	Email            string     `json:"email,omitempty"`
	Website          string     `json:"website,omitempty"`
	Latitude         *float64   `json:"latitude,omitempty"`
	Longitude        *float64   `json:"longitude,omitempty"`
	Geohash          string     `json:"geohash,omitempty"`
	Source           string     `json:"source"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ImportedAt       time.Time  `json:"importedAt"`
	Distance         *float64   `json:"distance,omitempty"`

	// Search keys, derived by IndexKeys before a write.
	NameKey     string `json:"-"`
	CityKey     string `json:"-"`
	CategoryKey string `json:"-"`
}

// HasLocation reports whether both coordinates are present.
func (b *Business) HasLocation() bool {
	return b.Latitude != nil && b.Longitude != nil
}

// IndexKeys recomputes the accent-folded search keys from the display fields.
func (b *Business) IndexKeys() {
	b.NameKey = FoldKey(b.Name)
	b.CityKey = FoldKey(b.City)
	b.CategoryKey = FoldKey(b.Category)
}

// Merge applies incoming over the stored record b and returns the result.
// Non-empty incoming values win, empty values never erase stored ones,
// coordinates move only as a pair and ImportedAt keeps its first value.
func (b Business) Merge(incoming Business) Business {
	out := b
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	str(&out.ID, incoming.ID)
	str(&out.Name, incoming.Name)
	str(&out.AltName, incoming.AltName)
	str(&out.BusinessNumber, incoming.BusinessNumber)
	str(&out.Address, incoming.Address)
	str(&out.City, incoming.City)
	str(&out.Province, incoming.Province)
	str(&out.PostalCode, incoming.PostalCode)
	str(&out.Category, incoming.Category)
	str(&out.Sector, incoming.Sector)
	str(&out.NAICSCode, incoming.NAICSCode)
	str(&out.NAICSDescription, incoming.NAICSDescription)
	str(&out.Status, incoming.Status)
	str(&out.Phone, incoming.Phone)
	str(&out.Email, incoming.Email)
	str(&out.Website, incoming.Website)
	str(&out.Source, incoming.Source)
	if incoming.Employees != nil {
		out.Employees = incoming.Employees
	}
	if incoming.HasLocation() {
		out.Latitude = incoming.Latitude
		out.Longitude = incoming.Longitude
		out.Geohash = incoming.Geohash
	}
	if !incoming.UpdatedAt.IsZero() {
		out.UpdatedAt = incoming.UpdatedAt
	}
	if out.ImportedAt.IsZero() {
		out.ImportedAt = incoming.ImportedAt
	}
	out.Distance = nil
	out.IndexKeys()
	return out
}

// DedupeKey is the identity used to collapse duplicates: name, city and
// province, each lowercased.
func (b *Business) DedupeKey() string {
	return strings.ToLower(b.Name) + "|" + strings.ToLower(b.City) + "|" + strings.ToLower(b.Province)
}

// FoldKey upper-cases s and strips combining marks so "Café" and "CAFE"
// compare equal.
func FoldKey(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToUpper(folded)
}
