package reconcile

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultTolerance is the largest numeric difference treated as equal
const DefaultTolerance = 0.01

// Letters without a Unicode decomposition to a base letter
var foldMap = runes.Map(func(r rune) rune {
	switch r {
	case 'ı':
		return 'i'
	case 'ø':
		return 'o'
	case 'Ø':
		return 'O'
	case 'đ':
		return 'd'
	case 'Đ':
		return 'D'
	}
	return r
})

// Normalize trims s and strips diacritics so that "Çelik Vida " and
// "Celik Vida" compare equal. Case is preserved.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), foldMap, norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return out
}

// Diff returns the whitelisted fields whose source value differs from the
// target, in whitelist order. A nil or missing source value never counts as
// a difference, so reconciliation can not clear target data.
func Diff(source, target map[string]any, whitelist []string, tolerance float64) []string {
	var changed []string
	for _, field := range whitelist {
		sv, ok := source[field]
		if !ok || sv == nil {
			continue
		}
		tv, ok := target[field]
		if !ok || tv == nil || !Equal(sv, tv, tolerance) {
			changed = append(changed, field)
		}
	}
	return changed
}

// Equal compares two field values. When either side is a number both are
// compared numerically within tolerance, accepting numeric strings such as
// "12,50"; two strings are equal after Normalize.
func Equal(a, b any, tolerance float64) bool {
	if isNumber(a) || isNumber(b) {
		fa, okA := toNumber(a)
		fb, okB := toNumber(b)
		if okA && okB {
			return math.Abs(fa-fb) <= tolerance+1e-9
		}
	}

	sa, aIsString := a.(string)
	sb, bIsString := b.(string)
	if aIsString && bIsString {
		return Normalize(sa) == Normalize(sb)
	}

	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if strings.Contains(s, ",") && !strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ",", ".")
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// pick returns the non-nil values of fields from values
func pick(values map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := values[f]; ok && v != nil {
			out[f] = v
		}
	}
	return out
}
