// Package kql compiles decoded search requests into KQL statements.
package kql

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"kqlbridge/internal/datemath"
	"kqlbridge/internal/dsl"
	"kqlbridge/internal/kql/syntax"
	"kqlbridge/internal/querystring"
	"kqlbridge/internal/schema"
)

// Visitor generates KQL text for request nodes. It records the phrases the
// highlighter needs while it walks, so one visitor serves one request.
type Visitor struct {
	fields     querystring.FieldResolver
	highlights map[string][]string

	// phrases under a negation or an aggregation filter are not highlighted
	muted int
}

func NewVisitor(fields querystring.FieldResolver) *Visitor {
	return &Visitor{fields: fields, highlights: make(map[string][]string)}
}

// Highlights returns field to phrase; "*" holds the free-text phrase.
func (v *Visitor) Highlights() map[string]string {
	out := make(map[string]string, len(v.highlights))
	for field, phrases := range v.highlights {
		if len(phrases) == 1 {
			out[field] = phrases[0]
			continue
		}
		out[field] = strings.Join(lo.Map(phrases, func(p string, _ int) string { return "(" + p + ")" }), " OR ")
	}
	return out
}

func (v *Visitor) remember(field, phrase string) {
	if v.muted > 0 || strings.TrimSpace(phrase) == "" {
		return
	}
	v.highlights[field] = append(v.highlights[field], phrase)
}

// VisitQuery renders the predicate of the top-level query.
func (v *Visitor) VisitQuery(ctx context.Context, q *dsl.Query) (string, error) {
	if q == nil {
		return "", fmt.Errorf("query: %w", dsl.ErrNilNode)
	}
	switch {
	case q.Bool != nil:
		return v.VisitClause(ctx, q.Bool)
	case q.Ids != nil:
		return v.VisitClause(ctx, q.Ids)
	}
	return "", &dsl.IllegalClauseError{Clause: "query", Reason: "one of bool or ids is required"}
}

// VisitClause renders one clause as a KQL predicate.
func (v *Visitor) VisitClause(ctx context.Context, c dsl.Clause) (string, error) {
	switch t := c.(type) {
	case *dsl.BoolQuery:
		if t != nil {
			return v.visitBool(ctx, t)
		}
	case *dsl.RangeClause:
		if t != nil {
			return v.visitRange(ctx, t)
		}
	case *dsl.MatchPhraseClause:
		if t != nil {
			return v.visitMatchPhrase(ctx, t)
		}
	case *dsl.ExistsClause:
		if t != nil {
			return v.visitExists(ctx, t)
		}
	case *dsl.QueryStringClause:
		if t != nil {
			return v.visitQueryString(ctx, t)
		}
	case *dsl.IdsQuery:
		if t != nil {
			return visitIds(t), nil
		}
	case *dsl.MatchAllClause:
		if t != nil {
			return syntax.MatchAll, nil
		}
	case nil:
	default:
		return "", &dsl.IllegalClauseError{Clause: fmt.Sprintf("%T", c), Reason: "unsupported clause"}
	}
	return "", dsl.ErrNilNode
}

func (v *Visitor) visitBool(ctx context.Context, b *dsl.BoolQuery) (string, error) {
	var parts []string
	for _, c := range append(append([]dsl.Clause{}, b.Must...), b.Filter...) {
		s, err := v.VisitClause(ctx, c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+s+")")
	}

	if len(b.Should) > 0 {
		var ors []string
		for _, c := range b.Should {
			s, err := v.VisitClause(ctx, c)
			if err != nil {
				return "", err
			}
			ors = append(ors, "("+s+")")
		}
		parts = append(parts, "("+strings.Join(ors, " or ")+")")
	}

	v.muted++
	defer func() { v.muted-- }()
	for _, c := range append(append([]dsl.Clause{}, b.MustNot...), b.ShouldNot...) {
		s, err := v.VisitClause(ctx, c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "not("+s+")")
	}

	if len(parts) == 0 {
		return syntax.MatchAll, nil
	}
	return strings.Join(parts, " and "), nil
}

type bound struct {
	op    string
	value string
}

func (v *Visitor) visitRange(ctx context.Context, r *dsl.RangeClause) (string, error) {
	if r.Field == "" {
		return "", &dsl.IllegalClauseError{Clause: "range", Reason: "field is required"}
	}
	bounds := lo.Filter([]bound{{">=", r.GTE}, {">", r.GT}, {"<=", r.LTE}, {"<", r.LT}}, func(b bound, _ int) bool {
		return b.value != ""
	})
	if len(bounds) == 0 {
		return "", &dsl.IllegalClauseError{Clause: "range", Reason: "at least one bound is required for " + r.Field}
	}

	f, err := v.fields.Classify(ctx, r.Field)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(bounds))
	for _, b := range bounds {
		lit, err := rangeValue(f, r.Format, b.value)
		if err != nil {
			return "", err
		}
		parts = append(parts, f.Expr()+" "+b.op+" "+lit)
	}
	return strings.Join(parts, " and "), nil
}

// rangeValue renders a bound. The format tag wins over the field type.
func rangeValue(f schema.Field, format, value string) (string, error) {
	switch format {
	case "epoch_millis":
		return epoch("unixtime_milliseconds_todatetime", value)
	case "epoch_second":
		return epoch("unixtime_seconds_todatetime", value)
	}
	if f.Kind == schema.KindDate {
		return dateValue(value)
	}
	if n, ok := syntax.Number(value); ok {
		return n, nil
	}
	return syntax.String(value), nil
}

func epoch(fn, value string) (string, error) {
	n, ok := syntax.Number(value)
	if !ok {
		return "", &dsl.IllegalClauseError{Clause: "range", Reason: fmt.Sprintf("%q is not an epoch value", value)}
	}
	return syntax.Call(fn, n), nil
}

// dateValue renders date math, epoch milliseconds or a date literal.
func dateValue(value string) (string, error) {
	if datemath.IsExpression(value) {
		return datemath.Parse(value)
	}
	if n, ok := syntax.Number(value); ok {
		return syntax.Call("unixtime_milliseconds_todatetime", n), nil
	}
	return syntax.Call("todatetime", syntax.String(value)), nil
}

func (v *Visitor) visitMatchPhrase(ctx context.Context, m *dsl.MatchPhraseClause) (string, error) {
	if m.Field == "" {
		return "", &dsl.IllegalClauseError{Clause: "match_phrase", Reason: "field is required"}
	}
	f, err := v.fields.Classify(ctx, m.Field)
	if err != nil {
		return "", err
	}
	v.remember(m.Field, quotePhrase(m.Phrase))

	switch f.Kind {
	case schema.KindNumeric:
		if n, ok := syntax.Number(m.Phrase); ok {
			return f.Expr() + " == " + n, nil
		}
		return syntax.Call("tostring", f.Ref()) + " == " + syntax.String(m.Phrase), nil
	case schema.KindBoolean:
		switch strings.ToLower(m.Phrase) {
		case "true", "false":
			return f.Expr() + " == " + strings.ToLower(m.Phrase), nil
		}
	case schema.KindDate:
		d, err := dateValue(m.Phrase)
		if err != nil {
			return "", err
		}
		return f.Expr() + " == " + d, nil
	}
	if f.Dynamic {
		return syntax.Call("tostring", f.Ref()) + " == " + syntax.String(m.Phrase), nil
	}
	return f.Ref() + " == " + syntax.String(m.Phrase), nil
}

func (v *Visitor) visitExists(ctx context.Context, e *dsl.ExistsClause) (string, error) {
	if e.Field == "" {
		return "", &dsl.IllegalClauseError{Clause: "exists", Reason: "field is required"}
	}
	f, err := v.fields.Classify(ctx, e.Field)
	if err != nil {
		return "", err
	}
	if f.Kind == schema.KindString && !f.Dynamic {
		return syntax.Call("isnotempty", f.Ref()), nil
	}
	return syntax.Call("isnotnull", f.Ref()), nil
}

func (v *Visitor) visitQueryString(ctx context.Context, q *dsl.QueryStringClause) (string, error) {
	node, err := querystring.Parse(q.Phrase, querystring.Options{
		DefaultField:    q.DefaultField,
		AnalyzeWildcard: q.AnalyzeWildcard,
		DefaultOperator: q.DefaultOperator,
	})
	if err != nil {
		return "", &dsl.IllegalClauseError{Clause: "query_string", Reason: err.Error()}
	}
	out, err := querystring.Render(ctx, node, v.fields)
	if err != nil {
		return "", fmt.Errorf("query_string: %w", err)
	}
	field := q.DefaultField
	if field == "" {
		field = "*"
	}
	v.remember(field, q.Phrase)
	return out, nil
}

func visitIds(ids *dsl.IdsQuery) string {
	if len(ids.Values) == 0 {
		return "false"
	}
	values := lo.Map(ids.Values, func(id string, _ int) string { return syntax.String(id) })
	return syntax.Identifier("_id") + " in (" + strings.Join(values, ", ") + ")"
}

var phraseEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quotePhrase renders a literal as a query string phrase.
func quotePhrase(s string) string {
	return `"` + phraseEscaper.Replace(s) + `"`
}
