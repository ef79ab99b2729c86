package similarity

import "strings"

var (
	streetAbbreviations = map[string]string{
		"street":    "st",
		"avenue":    "ave",
		"drive":     "dr",
		"road":      "rd",
		"boulevard": "blvd",
		"lane":      "ln",
		"place":     "pl",
		"square":    "sq",
		"strasse":   "str",
		"straße":    "str",
		"platz":     "pl",
		"allee":     "al",
	}

	// generic address words that carry no identifying information
	addressStoplist = map[string]bool{
		"st":          true,
		"str":         true,
		"ave":         true,
		"rd":          true,
		"dr":          true,
		"ln":          true,
		"pl":          true,
		"al":          true,
		"weg":         true,
		"gasse":       true,
		"nr":          true,
		"no":          true,
		"apt":         true,
		"apartment":   true,
		"wohnung":     true,
		"unit":        true,
		"floor":       true,
		"etage":       true,
		"og":          true,
		"eg":          true,
		"germany":     true,
		"deutschland": true,
	}

	// compound street names, e.g. "hauptstraße" and "hauptstr" both become "haupt"
	streetSuffixes = []string{"straße", "strasse", "str"}
)

// NormalizeAddress normalizes text for address comparison: street words are
// abbreviated, compound street suffixes cut, and generic words removed.
func NormalizeAddress(addr string) string {
	tokens := strings.Fields(NormalizeText(addr))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if abbrev, ok := streetAbbreviations[tok]; ok {
			tok = abbrev
		} else {
			tok = trimStreetSuffix(tok)
		}
		if addressStoplist[tok] {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// AddressSimilarity compares two addresses after NormalizeAddress
func AddressSimilarity(a, b string) float64 {
	na, nb := NormalizeAddress(a), NormalizeAddress(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return TextSimilarity(na, nb)
}

func trimStreetSuffix(tok string) string {
	for _, suffix := range streetSuffixes {
		if strings.HasSuffix(tok, suffix) && len(tok) > len(suffix)+2 {
			return strings.TrimSuffix(tok, suffix)
		}
	}
	return tok
}
