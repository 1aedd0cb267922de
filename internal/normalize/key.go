// Package normalize maps raw identifier values onto canonical comparison keys.
//
// A canonical key is the sequence of decimal digits found in the input after
// folding Eastern-Arabic, Extended Arabic-Indic, Devanagari and full-width
// numerals to Western-Arabic ones. Decimal digits of other scripts are kept as
// written. Everything else, including separators, spaces, bidirectional marks
// and digit-like symbols such as superscripts, is dropped. Keys compare by
// exact string equality; leading zeros are kept.
package normalize

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var (
	easternArabicDigits  = [10]rune{'٠', '١', '٢', '٣', '٤', '٥', '٦', '٧', '٨', '٩'}
	extendedArabicDigits = [10]rune{'۰', '۱', '۲', '۳', '۴', '۵', '۶', '۷', '۸', '۹'}
	devanagariDigits     = [10]rune{'०', '१', '२', '३', '४', '५', '६', '७', '८', '९'}
	fullWidthDigits      = [10]rune{'０', '１', '２', '３', '４', '５', '６', '７', '８', '９'}
)

var digitTables = buildDigitTable(easternArabicDigits, extendedArabicDigits, devanagariDigits, fullWidthDigits)

func buildDigitTable(scripts ...[10]rune) map[rune]rune {
	table := make(map[rune]rune, len(scripts)*10)
	for _, script := range scripts {
		for i, r := range script {
			table[r] = rune('0' + i)
		}
	}
	return table
}

func foldDigit(r rune) rune {
	if western, ok := digitTables[r]; ok {
		return western
	}
	return r
}

// newFolder returns a fresh transformer chain. Chains carry buffers and are
// not safe for concurrent use, so each call gets its own.
func newFolder() transform.Transformer {
	return transform.Chain(
		runes.Map(foldDigit),
		runes.Remove(runes.NotIn(unicode.Nd)),
	)
}

// Key returns the canonical key for raw. The second result is false when no
// digit survives normalization, in which case the key is absent.
func Key(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	out, _, err := transform.String(newFolder(), raw)
	if err != nil {
		return "", false
	}
	if out == "" {
		return "", false
	}
	return out, true
}

// Number returns the canonical key for a numeric identifier. Integral values
// are rendered without a fractional part; NaN and infinities are absent.
func Number(v float64) (string, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", false
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e18 {
		return Key(strconv.FormatInt(int64(v), 10))
	}
	return Key(strconv.FormatFloat(v, 'f', -1, 64))
}
