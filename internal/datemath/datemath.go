// Package datemath converts Elasticsearch date math ("now-15m/d",
// "2018-01-01||+1y-1M/d") into the equivalent KQL datetime expression.
package datemath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kqlbridge/internal/kql/syntax"
)

// ErrIllegalExpression is returned for expressions outside the date math
// grammar.
var ErrIllegalExpression = errors.New("illegal date math expression")

const (
	anchorNow       = "now"
	anchorSeparator = "||"
)

var deltaUnits = map[byte]string{
	'y': "year",
	'M': "month",
	'w': "week",
	'd': "day",
	'h': "hour",
	'm': "minute",
	's': "second",
}

var roundings = map[byte]func(string) string{
	'y': func(e string) string { return syntax.Call("startofyear", e) },
	'M': func(e string) string { return syntax.Call("startofmonth", e) },
	'w': func(e string) string { return syntax.Call("startofweek", e) },
	'd': func(e string) string { return syntax.Call("startofday", e) },
	'h': func(e string) string { return syntax.Call("bin", e, "1h") },
	'm': func(e string) string { return syntax.Call("bin", e, "1m") },
	's': func(e string) string { return syntax.Call("bin", e, "1s") },
}

// IsExpression reports whether s carries date math rather than a plain
// date literal.
func IsExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, anchorNow) || strings.Contains(s, anchorSeparator)
}

// Parse renders expr as KQL. Deltas are applied left to right, each one
// wrapping the previous expression; a trailing rounding wraps the whole.
func Parse(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("%w: empty expression", ErrIllegalExpression)
	}

	var out, rest string
	switch {
	case strings.HasPrefix(expr, anchorNow):
		out = syntax.Call("now")
		rest = expr[len(anchorNow):]
	case strings.Contains(expr, anchorSeparator):
		i := strings.Index(expr, anchorSeparator)
		if i == 0 {
			return "", fmt.Errorf("%w: missing anchor in %q", ErrIllegalExpression, expr)
		}
		out = makeDatetime(expr[:i])
		rest = expr[i+len(anchorSeparator):]
	default:
		return makeDatetime(expr), nil
	}

	for len(rest) > 0 {
		switch rest[0] {
		case '+', '-':
			sign := rest[0]
			i := 1
			for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
				i++
			}
			n := 1
			if i > 1 {
				// base 10 explicitly; leading zeros are not octal
				v, err := strconv.ParseInt(rest[1:i], 10, 64)
				if err != nil {
					return "", fmt.Errorf("%w: bad magnitude in %q", ErrIllegalExpression, expr)
				}
				n = int(v)
			}
			if i >= len(rest) {
				return "", fmt.Errorf("%w: missing unit in %q", ErrIllegalExpression, expr)
			}
			unit, ok := deltaUnits[normalizeUnit(rest[i])]
			if !ok {
				return "", fmt.Errorf("%w: unknown unit %q in %q", ErrIllegalExpression, rest[i], expr)
			}
			if sign == '-' {
				n = -n
			}
			out = syntax.Call("datetime_add", "'"+unit+"'", strconv.Itoa(n), out)
			rest = rest[i+1:]
		case '/':
			if len(rest) != 2 {
				return "", fmt.Errorf("%w: rounding must be the last token in %q", ErrIllegalExpression, expr)
			}
			round, ok := roundings[normalizeUnit(rest[1])]
			if !ok {
				return "", fmt.Errorf("%w: unknown rounding %q in %q", ErrIllegalExpression, rest[1], expr)
			}
			out = round(out)
			rest = ""
		default:
			return "", fmt.Errorf("%w: unexpected %q in %q", ErrIllegalExpression, rest[0], expr)
		}
	}
	return out, nil
}

func makeDatetime(literal string) string {
	return syntax.Call("make_datetime", "'"+strings.ReplaceAll(literal, "'", "")+"'")
}

// normalizeUnit lower-cases every unit except M, which stays month.
func normalizeUnit(c byte) byte {
	switch c {
	case 'M', 'm':
		return c
	case 'Y', 'W', 'D', 'H', 'S':
		return c + ('a' - 'A')
	}
	return c
}
