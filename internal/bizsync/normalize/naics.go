package normalize

import "strings"

// naicsSectors maps 2-digit NAICS sectors to their titles (NAICS Canada 2022).
var naicsSectors = map[string]string{
	"11": "Agriculture, forestry, fishing and hunting",
	"21": "Mining, quarrying, and oil and gas extraction",
	"22": "Utilities",
	"23": "Construction",
	"31": "Manufacturing",
	"32": "Manufacturing",
	"33": "Manufacturing",
	"41": "Wholesale trade",
	"42": "Wholesale trade",
	"44": "Retail trade",
	"45": "Retail trade",
	"48": "Transportation and warehousing",
	"49": "Transportation and warehousing",
	"51": "Information and cultural industries",
	"52": "Finance and insurance",
	"53": "Real estate and rental and leasing",
	"54": "Professional, scientific and technical services",
	"55": "Management of companies and enterprises",
	"56": "Administrative and support, waste management and remediation services",
	"61": "Educational services",
	"62": "Health care and social assistance",
	"71": "Arts, entertainment and recreation",
	"72": "Accommodation and food services",
	"81": "Other services (except public administration)",
	"91": "Public administration",
	"92": "Public administration",
}

// NormalizeNAICS keeps the leading digits of a NAICS code, dropping
// trailing dashes and any descriptive suffix ("722511 - Restaurants").
func NormalizeNAICS(code string) string {
	code = strings.TrimSpace(code)
	end := 0
	for end < len(code) && code[end] >= '0' && code[end] <= '9' {
		end++
	}
	return code[:end]
}

// NAICSSector returns the sector title for a code, or "" when the 2-digit
// prefix is unknown.
func NAICSSector(code string) string {
	code = NormalizeNAICS(code)
	if len(code) < 2 {
		return ""
	}
	return naicsSectors[code[:2]]
}
