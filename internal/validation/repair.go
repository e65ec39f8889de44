package validation

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// coerceInteger parses display-formatted numbers such as "1,234,567", " 42 " or "1234.0".
func coerceInteger(raw string) (int64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == ',' || r == '_' || r == '\'':
			return -1
		case unicode.IsSpace(r):
			return -1
		default:
			return r
		}
	}, raw)
	if cleaned == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(math.Round(f)), true
}

// relaxJSON rewrites single-quoted strings and drops trailing commas.
func relaxJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return trailingComma.ReplaceAllString(s, "$1")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
