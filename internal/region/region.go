// Package region classifies the geographic region types a place record can
// refer to. Codes follow ISO where one exists (ISO 3166-1 alpha-2 for
// countries, postal abbreviations for US states, and so on).
package region

// Type is a geographic region classification.
type Type string

const (
	TypeCountry          Type = "country"
	TypeUSState          Type = "us_state"
	TypeCanadianProvince Type = "canadian_province"

	// International subnational regions.
	TypeAustralianState Type = "australian_state"
	TypeMexicanState    Type = "mexican_state"
	TypeBrazilianState  Type = "brazilian_state"
	TypeGermanState     Type = "german_state"
	TypeIndianState     Type = "indian_state"
	TypeChineseProvince Type = "chinese_province"

	// Landmarks and points of interest.
	TypeCity         Type = "city"
	TypeUnescoSite   Type = "unesco_site"
	TypeNationalPark Type = "national_park"
)

var all = map[Type]struct{}{
	TypeCountry:          {},
	TypeUSState:          {},
	TypeCanadianProvince: {},
	TypeAustralianState:  {},
	TypeMexicanState:     {},
	TypeBrazilianState:   {},
	TypeGermanState:      {},
	TypeIndianState:      {},
	TypeChineseProvince:  {},
	TypeCity:             {},
	TypeUnescoSite:       {},
	TypeNationalPark:     {},
}

// Valid reports whether t is a known region type.
func Valid(t Type) bool {
	_, ok := all[t]
	return ok
}

// Subnational reports whether t is a state/province level division.
func Subnational(t Type) bool {
	switch t {
	case TypeUSState, TypeCanadianProvince, TypeAustralianState, TypeMexicanState,
		TypeBrazilianState, TypeGermanState, TypeIndianState, TypeChineseProvince:
		return true
	}
	return false
}

// Landmark reports whether t is a point of interest rather than an
// administrative division.
func Landmark(t Type) bool {
	switch t {
	case TypeCity, TypeUnescoSite, TypeNationalPark:
		return true
	}
	return false
}

// ParentCountry returns the ISO country code a subnational region belongs
// to, the code itself for countries, and "" when no parent applies.
func ParentCountry(t Type, code string) string {
	switch t {
	case TypeCountry:
		return code
	case TypeUSState:
		return "US"
	case TypeCanadianProvince:
		return "CA"
	case TypeAustralianState:
		return "AU"
	case TypeMexicanState:
		return "MX"
	case TypeBrazilianState:
		return "BR"
	case TypeGermanState:
		return "DE"
	case TypeIndianState:
		return "IN"
	case TypeChineseProvince:
		return "CN"
	}
	return ""
}

// totals is the number of regions of each type, used by progress statistics.
var totals = map[Type]int{
	TypeCountry:          195,
	TypeUSState:          51,
	TypeCanadianProvince: 13,
	TypeAustralianState:  8,
	TypeMexicanState:     32,
	TypeBrazilianState:   27,
	TypeGermanState:      16,
	TypeIndianState:      36,
	TypeChineseProvince:  34,
}

// Total returns how many regions of the given type exist, or 0 when the
// type has no fixed total (cities, landmarks).
func Total(t Type) int {
	return totals[t]
}
