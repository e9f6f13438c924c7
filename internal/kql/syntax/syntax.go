// Package syntax holds the small set of KQL lexical helpers shared by the
// compiler, the query-string renderer and the schema retriever.
package syntax

import (
	"strconv"
	"strings"
)

// MatchAll is the predicate emitted for a query that places no restriction
// on the rows.
const MatchAll = "true"

// Identifier quotes a column, table or alias name: ['name'].
func Identifier(name string) string {
	if strings.ContainsAny(name, `'\`) {
		return `["` + escape(name) + `"]`
	}
	return "['" + name + "']"
}

// String renders a double-quoted KQL string literal.
func String(s string) string {
	return `"` + escape(s) + `"`
}

// Path renders a bracketed accessor for a column and optional sub-path of a
// dynamic column: ['root']['a']['b'].
func Path(root string, path []string) string {
	var sb strings.Builder
	sb.WriteString(Identifier(root))
	for _, seg := range path {
		sb.WriteString(Identifier(seg))
	}
	return sb.String()
}

// Call renders fn(args...).
func Call(fn string, args ...string) string {
	return fn + "(" + strings.Join(args, ", ") + ")"
}

// Number reports whether s is a numeric literal and returns its canonical
// KQL spelling.
func Number(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// Database renders database("name").
func Database(name string) string {
	return `database(` + String(name) + `)`
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(s)
}
