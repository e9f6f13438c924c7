package kql

import (
	"context"
	"fmt"
	"strings"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/querystring"
	"kqlbridge/internal/schema"
)

// Names of the result tables a statement produces.
const (
	TableHitsTotal = "hitsTotal"
	TableAggs      = "aggs"
	TableHits      = "hits"
)

type Options struct {
	// MaxHits caps from+size; zero means no cap.
	MaxHits int
}

// Statement is a compiled request.
type Statement struct {
	Text       string
	Predicate  string
	Highlights map[string]string
	// Limit is the number of hit rows requested, from included.
	Limit int
}

// Translate compiles req against table. The statement binds the filtered
// rows once and produces the hitsTotal, aggs (when requested) and hits
// tables:
//
//	let _data = database("db").['t'] | where <predicate>;
//	(_data | summarize count() | as hitsTotal);
//	(<aggregations> | as aggs);
//	(_data | order by ... | limit <from+size> | as hits)
func Translate(ctx context.Context, req *dsl.Request, table schema.Table, fields querystring.FieldResolver, opts Options) (*Statement, error) {
	if req == nil {
		return nil, fmt.Errorf("request: %w", dsl.ErrNilNode)
	}
	v := NewVisitor(fields)

	pred, err := v.VisitQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	aggs, err := v.VisitAggregations(ctx, req.Aggs)
	if err != nil {
		return nil, err
	}
	order, err := v.VisitSort(ctx, req.Sort)
	if err != nil {
		return nil, err
	}

	limit := req.From + req.Size
	if opts.MaxHits > 0 && limit > opts.MaxHits {
		limit = opts.MaxHits
	}

	var b strings.Builder
	fmt.Fprintf(&b, "let %s = %s | where %s;\n", DataTable, table.Expr(), pred)
	fmt.Fprintf(&b, "(%s | summarize count() | as %s);\n", DataTable, TableHitsTotal)
	if aggs != "" {
		fmt.Fprintf(&b, "(%s | as %s);\n", aggs, TableAggs)
	}
	b.WriteString("(" + DataTable)
	if order != "" {
		b.WriteString(" | " + order)
	}
	fmt.Fprintf(&b, " | limit %d | as %s)", limit, TableHits)

	return &Statement{
		Text:       b.String(),
		Predicate:  pred,
		Highlights: v.Highlights(),
		Limit:      limit,
	}, nil
}

// VisitSort renders an order by operator, or "" without sort fields.
func (v *Visitor) VisitSort(ctx context.Context, sort []dsl.SortField) (string, error) {
	terms, err := v.orderTerms(ctx, sort)
	if err != nil || len(terms) == 0 {
		return "", err
	}
	return "order by " + strings.Join(terms, ", "), nil
}

func (v *Visitor) orderTerms(ctx context.Context, sort []dsl.SortField) ([]string, error) {
	var terms []string
	for _, s := range sortable(sort) {
		f, err := v.fields.Classify(ctx, s.Field)
		if err != nil {
			return nil, err
		}
		dir := " asc"
		if s.Desc {
			dir = " desc"
		}
		terms = append(terms, f.Expr()+dir)
	}
	return terms, nil
}

// sortable drops the sort keys the backend has no column for.
func sortable(sort []dsl.SortField) []dsl.SortField {
	var out []dsl.SortField
	for _, s := range sort {
		if s.Field == "" || s.Field == "_doc" || s.Field == "_score" {
			continue
		}
		out = append(out, s)
	}
	return out
}
