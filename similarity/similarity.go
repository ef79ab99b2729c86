// Package similarity holds the pure scoring helpers used by duplicate detection.
// Nothing in here touches storage; every function is safe for concurrent use.
package similarity

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"golang.org/x/text/unicode/norm"
)

const (
	PriceTolerance = 0.10
	SizeTolerance  = 0.15
)

var levenshtein = metrics.NewLevenshtein()

// NormalizeText lowercases, turns punctuation into spaces and collapses whitespace.
// Diacritics are kept; input is NFC-composed so "é" and "é" compare equal.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// TextSimilarity returns a [0,1] Levenshtein similarity of the normalized inputs.
// Two empty strings score 0: absence is not evidence of a match.
func TextSimilarity(a, b string) float64 {
	a, b = NormalizeText(a), NormalizeText(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return strutil.Similarity(a, b, levenshtein)
}

// PriceSimilarity compares two free-text prices with a 10% tolerance band
func PriceSimilarity(a, b string) float64 {
	return magnitudeSimilarity(a, b, PriceTolerance)
}

// SizeSimilarity compares two free-text sizes with a 15% tolerance band
func SizeSimilarity(a, b string) float64 {
	return magnitudeSimilarity(a, b, SizeTolerance)
}

func magnitudeSimilarity(a, b string, tolerance float64) float64 {
	va, okA := ParseMagnitude(a)
	vb, okB := ParseMagnitude(b)
	if !okA || !okB {
		return 0
	}
	return ToleranceSimilarity(va, vb, tolerance)
}

// ToleranceSimilarity scores two magnitudes by their relative difference d:
// 1 when equal, linear down to 0.5 at d == tolerance, then linear to 0 at
// d == 4*tolerance. Non-positive inputs score 0.
func ToleranceSimilarity(a, b, tolerance float64) float64 {
	if a <= 0 || b <= 0 || tolerance <= 0 {
		return 0
	}
	if a == b {
		return 1
	}
	d := math.Abs(a-b) / math.Max(a, b)
	if d <= tolerance {
		return 1 - 0.5*d/tolerance
	}
	score := 0.5 * (1 - (d-tolerance)/(3*tolerance))
	if score < 0 {
		return 0
	}
	return score
}

// RoomsSimilarity is 1 when both room counts parse to the same number
// ("3", "3 Zimmer", "3,0") or normalize to the same text, else 0.
func RoomsSimilarity(a, b string) float64 {
	va, okA := ParseMagnitude(a)
	vb, okB := ParseMagnitude(b)
	if okA && okB {
		if va == vb {
			return 1
		}
		return 0
	}
	na, nb := NormalizeText(a), NormalizeText(b)
	if na != "" && na == nb {
		return 1
	}
	return 0
}

// ParseMagnitude extracts the leading numeric value of a free-text amount,
// ignoring currency symbols and unit suffixes. Both "1.200,50 €" and
// "$1,200.50" parse to 1200.5; "85 m²" parses to 85.
func ParseMagnitude(s string) (float64, bool) {
	groups, seps := leadingNumber(s)
	if len(groups) == 0 {
		return 0, false
	}

	// drop a trailing group joined by a space that is not a thousands group
	for i, sep := range seps {
		if isSpaceSep(sep) && len(groups[i+1]) != 3 {
			groups, seps = groups[:i+1], seps[:i]
			break
		}
	}

	decimalSep := rune(0)
	dots, commas := 0, 0
	for _, sep := range seps {
		switch sep {
		case '.':
			dots++
		case ',':
			commas++
		}
	}
	switch {
	case dots > 0 && commas > 0:
		for i := len(seps) - 1; i >= 0; i-- {
			if seps[i] == '.' || seps[i] == ',' {
				decimalSep = seps[i]
				break
			}
		}
	case dots == 1 || commas == 1:
		for i, sep := range seps {
			if (sep == '.' || sep == ',') && len(groups[i+1]) != 3 {
				decimalSep = sep
			}
		}
	}

	var b strings.Builder
	b.WriteString(groups[0])
	for i, sep := range seps {
		if sep == decimalSep && decimalSep != 0 {
			b.WriteByte('.')
		}
		b.WriteString(groups[i+1])
	}

	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// leadingNumber splits the first run of digits and separators into digit
// groups and the separators between them.
func leadingNumber(s string) (groups []string, seps []rune) {
	runes := []rune(s)
	start := -1
	for i, r := range runes {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, nil
	}

	var cur strings.Builder
	for i := start; i < len(runes); i++ {
		r := runes[i]
		if r >= '0' && r <= '9' {
			cur.WriteRune(r)
			continue
		}
		if isNumberSep(r) && i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9' {
			groups = append(groups, cur.String())
			cur.Reset()
			seps = append(seps, r)
			continue
		}
		break
	}
	groups = append(groups, cur.String())
	return groups, seps
}

func isNumberSep(r rune) bool {
	return r == '.' || r == ',' || isSpaceSep(r)
}

func isSpaceSep(r rune) bool {
	return r == ' ' || r == '\'' || r == '\u00a0' || r == '\u202f'
}
