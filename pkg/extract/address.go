package extract

import (
	"regexp"
	"strings"
)

// AddressParts is the lossy split of a spoken address. It is a best-effort
// pre-parse for the validator, never an authoritative record.
type AddressParts struct {
	Street string
	City   string
	State  string
	Zip    string
}

var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true,
}

var streetKeywords = map[string]bool{
	"street": true, "st": true, "avenue": true, "ave": true, "road": true,
	"rd": true, "drive": true, "dr": true, "lane": true, "ln": true,
	"boulevard": true, "blvd": true, "way": true, "court": true, "ct": true,
	"place": true, "pl": true, "parkway": true, "pkwy": true, "terrace": true,
}

var addrZipRe = regexp.MustCompile(`\b(\d{5})(-\d{4})?\b`)

// AddressComponents splits a spoken address into street, city, state and
// ZIP. The ZIP and state are matched exactly; the street/city boundary is
// guessed from token position, so callers must treat the result as
// unverified.
func AddressComponents(text string) AddressParts {
	var parts AddressParts

	work := text
	if m := addrZipRe.FindString(work); m != "" {
		parts.Zip = m
		work = strings.Replace(work, m, "", 1)
	}

	tokens := strings.Fields(work)
	kept := tokens[:0]
	for _, tok := range tokens {
		clean := strings.Trim(tok, ".,")
		if parts.State == "" && len(clean) == 2 && usStates[strings.ToUpper(clean)] {
			parts.State = strings.ToUpper(clean)
			continue
		}
		kept = append(kept, tok)
	}

	switch {
	case len(kept) >= 5:
		parts.Street = strings.Join(kept[:len(kept)-2], " ")
		parts.City = strings.Join(kept[len(kept)-2:], " ")
	case len(kept) >= 3:
		parts.Street = strings.Join(kept[:len(kept)-1], " ")
		parts.City = kept[len(kept)-1]
	default:
		parts.Street = strings.Join(kept, " ")
	}
	parts.Street = strings.Trim(parts.Street, " ,.")
	parts.City = strings.Trim(parts.City, " ,.")
	return parts
}

// LooksLikeAddress is the permissive gate used when validation is down:
// digits plus a street keyword, or a reply long enough to plausibly be a
// full address.
func LooksLikeAddress(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) >= 4 {
		return true
	}
	if !HasDigits(text) {
		return false
	}
	for _, w := range words {
		if streetKeywords[strings.Trim(w, ".,")] {
			return true
		}
	}
	return false
}

// IsUSState reports whether code is a two-letter US state or DC.
func IsUSState(code string) bool {
	return usStates[strings.ToUpper(code)]
}
