// Package normalize derives typed values from scraped strings. A value that
// cannot be derived is left nil; raw text is always kept.
package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// Date parses ISO-8601 and a few long-form layouts. Times without a zone are
// taken as UTC.
func Date(raw string) crawler.NormalizedValue[time.Time] {
	out := crawler.NormalizedValue[time.Time]{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return out
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			out.Normalized = &t
			return out
		}
	}
	return out
}

var suffixes = map[rune]float64{
	'k': 1e3,
	'm': 1e6,
	'b': 1e9,
}

// Magnitude parses counts and prices such as "1.2K", "3M", "1,234",
// "$49", "12 sales" or "Free".
func Magnitude(raw string) crawler.NormalizedValue[int64] {
	out := crawler.NormalizedValue[int64]{Raw: raw}
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return out
	}
	if s == "free" {
		var zero int64
		out.Normalized = &zero
		return out
	}

	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.' && r != '-'
	})
	s = strings.ReplaceAll(s, ",", "")

	end := 0
	for end < len(s) && (s[end] == '.' || s[end] == '-' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	number, rest := s[:end], strings.TrimSpace(s[end:])
	if number == "" {
		return out
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return out
	}
	if rest != "" {
		if mult, ok := suffixes[rune(rest[0])]; ok && (len(rest) == 1 || !isLetter(rest[1])) {
			f *= mult
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= 0x1p63 || f < -0x1p63 {
		return out
	}
	n := int64(math.Round(f))
	out.Normalized = &n
	return out
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
