package kql

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"kqlbridge/internal/bucketkey"
	"kqlbridge/internal/dsl"
	"kqlbridge/internal/kql/syntax"
	"kqlbridge/internal/schema"
)

// DataTable is the let-bound name of the filtered rows.
const DataTable = "_data"

// CountColumn is the column count() produces.
const CountColumn = "count_"

// Extended stats computed by the backend; the rest are derived when mapping.
var extendedStats = []struct {
	stat string
	fn   string
}{
	{"count", "count"},
	{"min", "min"},
	{"max", "max"},
	{"avg", "avg"},
	{"sum", "sum"},
	{"variance", "variancep"},
	{"std_deviation", "stdevp"},
}

var fixedInterval = regexp.MustCompile(`^\d+(ms|s|m|h|d)$`)

// VisitAggregations renders the aggregation pipeline over DataTable, or ""
// when the request has none. A single bucket aggregation renders as one
// grouping; nested or sibling bucket aggregations render one grouping per
// bucket aggregation, unioned and tagged with bucketkey.PathColumn.
func (v *Visitor) VisitAggregations(ctx context.Context, aggs []*dsl.Aggregation) (string, error) {
	if len(aggs) == 0 {
		return "", nil
	}
	var buckets, metrics []*dsl.Aggregation
	for _, a := range aggs {
		if a == nil || a.Primary == nil {
			return "", fmt.Errorf("aggregation: %w", dsl.ErrNilNode)
		}
		if _, ok := a.Primary.(dsl.Bucket); ok {
			buckets = append(buckets, a)
			continue
		}
		metrics = append(metrics, a)
	}
	if len(buckets) == 0 {
		return v.rootMetrics(ctx, metrics)
	}

	var groups []grouping
	if len(metrics) > 0 {
		text, err := v.rootMetrics(ctx, metrics)
		if err != nil {
			return "", err
		}
		groups = append(groups, grouping{path: bucketkey.RootPath, text: text})
	}
	root := scope{path: bucketkey.RootPath, source: DataTable}
	for _, a := range buckets {
		gs, err := v.visitBucket(ctx, a, root)
		if err != nil {
			return "", err
		}
		groups = append(groups, gs...)
	}
	if len(groups) == 1 {
		return groups[0].text, nil
	}
	tag := syntax.Identifier(bucketkey.PathColumn)
	parts := lo.Map(groups, func(g grouping, _ int) string {
		return fmt.Sprintf("(%s | extend %s = %s)", g.text, tag, syntax.String(g.path))
	})
	return "union " + strings.Join(parts, ", "), nil
}

// scope is the row source of an enclosing bucket and the key columns that
// identify a bucket of it.
type scope struct {
	path   string
	source string
	keys   []string
}

func (s scope) nest(name, alias, source string) scope {
	return scope{
		path:   bucketkey.Path(s.path, name),
		source: source,
		keys:   append(slices.Clone(s.keys), alias),
	}
}

// grouping is the rendered rows of one bucket aggregation.
type grouping struct {
	path string
	text string
}

func (v *Visitor) rootMetrics(ctx context.Context, metrics []*dsl.Aggregation) (string, error) {
	cols, tops, err := v.metricColumns(ctx, metrics)
	if err != nil {
		return "", err
	}
	out := DataTable + " | summarize " + strings.Join(append(cols, "count()"), ", ")
	for _, th := range tops {
		col, err := v.topHitsScalar(ctx, DataTable, th)
		if err != nil {
			return "", err
		}
		out += " | extend " + col
	}
	return out, nil
}

// visitBucket renders a bucket aggregation and, below it, every nested
// bucket aggregation grouped by the keys of all enclosing levels.
func (v *Visitor) visitBucket(ctx context.Context, a *dsl.Aggregation, s scope) ([]grouping, error) {
	alias := syntax.Identifier(a.Name)
	var text, inner string
	var err error
	switch p := a.Primary.(type) {
	case *dsl.TermsAggregation:
		var key string
		if text, key, err = v.visitTerms(ctx, a, p, s); err == nil {
			inner = s.source + " | extend " + alias + " = " + key
		}
	case *dsl.DateHistogramAggregation:
		var f schema.Field
		if f, err = v.classify(ctx, "date_histogram", p.Field); err != nil {
			return nil, err
		}
		var key string
		if key, err = dateHistogramKey(f, p); err != nil {
			return nil, err
		}
		text, err = v.keyed(ctx, a, s, key, p.MinDocCount, alias+" asc", 0)
		inner = s.source + " | extend " + alias + " = " + key
	case *dsl.HistogramAggregation:
		var f schema.Field
		if f, err = v.classify(ctx, "histogram", p.Field); err != nil {
			return nil, err
		}
		interval, ok := syntax.Number(p.Interval)
		if !ok {
			return nil, &dsl.IllegalClauseError{Clause: "histogram", Reason: fmt.Sprintf("interval %q is not a number", p.Interval)}
		}
		key := syntax.Call("bin", numericExpr(f), interval)
		text, err = v.keyed(ctx, a, s, key, p.MinDocCount, alias+" asc", 0)
		inner = s.source + " | extend " + alias + " = " + key
	case *dsl.RangeAggregation, *dsl.DateRangeAggregation, *dsl.FiltersAggregation:
		var branches []branch
		if branches, err = v.branches(ctx, a); err != nil {
			return nil, err
		}
		text, err = v.union(ctx, a, s, branches)
		inner = branchSource(s, alias, branches)
	default:
		return nil, &dsl.IllegalClauseError{Clause: a.Primary.Type(), Reason: "unsupported bucket aggregation"}
	}
	if err != nil {
		return nil, err
	}

	out := []grouping{{path: bucketkey.Path(s.path, a.Name), text: text}}
	nested := s.nest(a.Name, alias, inner)
	for _, sub := range a.Aggs {
		if _, ok := sub.Primary.(dsl.Bucket); !ok {
			continue
		}
		gs, err := v.visitBucket(ctx, sub, nested)
		if err != nil {
			return nil, err
		}
		out = append(out, gs...)
	}
	return out, nil
}

func (v *Visitor) classify(ctx context.Context, clause, field string) (schema.Field, error) {
	if field == "" {
		return schema.Field{}, &dsl.IllegalClauseError{Clause: clause, Reason: "field is required"}
	}
	return v.fields.Classify(ctx, field)
}

// visitTerms returns the grouping text and the key expression.
func (v *Visitor) visitTerms(ctx context.Context, a *dsl.Aggregation, p *dsl.TermsAggregation, s scope) (string, string, error) {
	f, err := v.classify(ctx, "terms", p.Field)
	if err != nil {
		return "", "", err
	}
	var order string
	switch p.OrderBy {
	case "", "_count":
		order = CountColumn
	case "_key", "_term":
		order = syntax.Identifier(a.Name)
	default:
		sub, ok := lo.Find(a.Aggs, func(s *dsl.Aggregation) bool { return s != nil && s.Name == p.OrderBy })
		if !ok || !singleValued(sub.Primary) {
			return "", "", &dsl.IllegalClauseError{Clause: "terms", Reason: fmt.Sprintf("cannot order by %q", p.OrderBy)}
		}
		order = syntax.Identifier(sub.Name)
	}
	if p.OrderDesc {
		order += " desc"
	} else {
		order += " asc"
	}
	key := f.Ref()
	if f.Dynamic {
		key = f.Expr()
	}
	text, err := v.keyed(ctx, a, s, key, p.MinDocCount, order, p.Size)
	return text, key, err
}

func singleValued(p dsl.Primary) bool {
	switch p.(type) {
	case *dsl.AverageAggregation, *dsl.SumAggregation, *dsl.MinAggregation, *dsl.MaxAggregation, *dsl.CardinalityAggregation:
		return true
	}
	return false
}

// keyed renders a grouping of the scope's rows by key under the aggregation
// name. Below the root, order and limit apply within each enclosing bucket.
func (v *Visitor) keyed(ctx context.Context, a *dsl.Aggregation, s scope, key string, minDocCount int, order string, limit int) (string, error) {
	cols, tops, err := v.metricColumns(ctx, a.Aggs)
	if err != nil {
		return "", err
	}
	alias := syntax.Identifier(a.Name)
	by := append(slices.Clone(s.keys), alias+" = "+key)
	var b strings.Builder
	fmt.Fprintf(&b, "%s | summarize %s by %s", s.source, strings.Join(append(cols, "count()"), ", "), strings.Join(by, ", "))
	if minDocCount > 1 {
		fmt.Fprintf(&b, " | where %s >= %d", CountColumn, minDocCount)
	}
	for _, th := range tops {
		lookup, err := v.topHitsLookup(ctx, s.source+" | extend "+alias+" = "+key, append(slices.Clone(s.keys), alias), th)
		if err != nil {
			return "", err
		}
		b.WriteString(" | " + lookup)
	}
	if len(s.keys) == 0 {
		b.WriteString(" | order by " + order)
		if limit > 0 {
			fmt.Fprintf(&b, " | limit %d", limit)
		}
		return b.String(), nil
	}

	parents := lo.Map(s.keys, func(k string, _ int) string { return k + " asc" })
	b.WriteString(" | order by " + strings.Join(append(parents, order), ", "))
	if limit > 0 {
		restart := strings.Join(lo.Map(s.keys, func(k string, _ int) string {
			return fmt.Sprintf("prev(%s) != %s", k, k)
		}), " or ")
		rank := syntax.Identifier(rankColumn)
		fmt.Fprintf(&b, " | extend %s = row_number(1, %s) | where %s <= %d | project-away %s", rank, restart, rank, limit, rank)
	}
	return b.String(), nil
}

const rankColumn = "_rank"

type branch struct {
	predicate string
	key       string
}

// branches renders one predicate per bucket of a range, date_range or
// filters aggregation, each tagged with the bucket's key.
func (v *Visitor) branches(ctx context.Context, a *dsl.Aggregation) ([]branch, error) {
	switch p := a.Primary.(type) {
	case *dsl.RangeAggregation:
		return v.rangeBranches(ctx, p.Field, p.Ranges, false)
	case *dsl.DateRangeAggregation:
		return v.rangeBranches(ctx, p.Field, p.Ranges, true)
	case *dsl.FiltersAggregation:
		return v.filterBranches(ctx, p)
	}
	return nil, &dsl.IllegalClauseError{Clause: a.Primary.Type(), Reason: "unsupported bucket aggregation"}
}

// rangeBranches tags each range with the encoded "<from>_<to>" key.
func (v *Visitor) rangeBranches(ctx context.Context, field string, ranges []dsl.RangeSpec, dates bool) ([]branch, error) {
	clause := "range"
	if dates {
		clause = "date_range"
	}
	f, err := v.classify(ctx, clause, field)
	if err != nil {
		return nil, err
	}
	expr := f.Expr()
	if !dates {
		expr = numericExpr(f)
	}
	literal := func(s string) (string, error) {
		if dates {
			return dateValue(s)
		}
		if n, ok := syntax.Number(s); ok {
			return n, nil
		}
		return "", &dsl.IllegalClauseError{Clause: clause, Reason: fmt.Sprintf("%q is not a number", s)}
	}

	branches := make([]branch, 0, len(ranges))
	for _, r := range ranges {
		var preds []string
		if r.From != "" {
			lit, err := literal(r.From)
			if err != nil {
				return nil, err
			}
			preds = append(preds, expr+" >= "+lit)
		}
		if r.To != "" {
			lit, err := literal(r.To)
			if err != nil {
				return nil, err
			}
			preds = append(preds, expr+" < "+lit)
		}
		pred := syntax.MatchAll
		if len(preds) > 0 {
			pred = strings.Join(preds, " and ")
		}
		branches = append(branches, branch{predicate: pred, key: bucketkey.Range{From: r.From, To: r.To}.Key()})
	}
	return branches, nil
}

func (v *Visitor) filterBranches(ctx context.Context, p *dsl.FiltersAggregation) ([]branch, error) {
	v.muted++
	defer func() { v.muted-- }()
	branches := make([]branch, 0, len(p.Filters))
	for _, nf := range p.Filters {
		pred, err := v.VisitClause(ctx, nf.Clause)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", nf.Name, err)
		}
		branches = append(branches, branch{predicate: pred, key: nf.Name})
	}
	return branches, nil
}

// union renders one summarized branch per bucket.
func (v *Visitor) union(ctx context.Context, a *dsl.Aggregation, s scope, branches []branch) (string, error) {
	cols, tops, err := v.metricColumns(ctx, a.Aggs)
	if err != nil {
		return "", err
	}
	summarize := strings.Join(append(cols, "count()"), ", ")
	if len(s.keys) > 0 {
		summarize += " by " + strings.Join(s.keys, ", ")
	}
	alias := syntax.Identifier(a.Name)
	parts := make([]string, 0, len(branches))
	for _, br := range branches {
		source := fmt.Sprintf("%s | where %s", s.source, br.predicate)
		part := fmt.Sprintf("%s | summarize %s | extend %s = %s", source, summarize, alias, syntax.String(br.key))
		for _, th := range tops {
			if len(s.keys) == 0 {
				col, err := v.topHitsScalar(ctx, source, th)
				if err != nil {
					return "", err
				}
				part += " | extend " + col
				continue
			}
			lookup, err := v.topHitsLookup(ctx, source, s.keys, th)
			if err != nil {
				return "", err
			}
			part += " | " + lookup
		}
		parts = append(parts, "("+part+")")
	}
	return "union " + strings.Join(parts, ", "), nil
}

// branchSource renders the rows of every bucket of a branch aggregation,
// each tagged with its key, for the aggregations nested below it.
func branchSource(s scope, alias string, branches []branch) string {
	parts := lo.Map(branches, func(br branch, _ int) string {
		return fmt.Sprintf("(%s | where %s | extend %s = %s)", s.source, br.predicate, alias, syntax.String(br.key))
	})
	return "union " + strings.Join(parts, ", ")
}

// metricColumns renders summarize columns for metric aggregations and
// returns the top_hits ones separately since they need their own pipeline.
// Bucket aggregations are skipped.
func (v *Visitor) metricColumns(ctx context.Context, aggs []*dsl.Aggregation) ([]string, []*dsl.Aggregation, error) {
	var cols []string
	var tops []*dsl.Aggregation
	for _, a := range aggs {
		if a == nil || a.Primary == nil {
			return nil, nil, fmt.Errorf("aggregation: %w", dsl.ErrNilNode)
		}
		alias := syntax.Identifier(a.Name)
		switch p := a.Primary.(type) {
		case *dsl.AverageAggregation:
			col, err := v.simpleMetric(ctx, "avg", alias, p.Field)
			if err != nil {
				return nil, nil, err
			}
			cols = append(cols, col)
		case *dsl.SumAggregation:
			col, err := v.simpleMetric(ctx, "sum", alias, p.Field)
			if err != nil {
				return nil, nil, err
			}
			cols = append(cols, col)
		case *dsl.MinAggregation:
			col, err := v.simpleMetric(ctx, "min", alias, p.Field)
			if err != nil {
				return nil, nil, err
			}
			cols = append(cols, col)
		case *dsl.MaxAggregation:
			col, err := v.simpleMetric(ctx, "max", alias, p.Field)
			if err != nil {
				return nil, nil, err
			}
			cols = append(cols, col)
		case *dsl.CardinalityAggregation:
			f, err := v.classify(ctx, "cardinality", p.Field)
			if err != nil {
				return nil, nil, err
			}
			cols = append(cols, alias+"="+syntax.Call("dcount", f.Expr()))
		case *dsl.PercentilesAggregation:
			f, err := v.classify(ctx, "percentiles", p.Field)
			if err != nil {
				return nil, nil, err
			}
			if len(p.Percents) == 0 {
				return nil, nil, &dsl.IllegalClauseError{Clause: "percentiles", Reason: "percents are required"}
			}
			args := append([]string{numericExpr(f)}, lo.Map(p.Percents, func(x float64, _ int) string { return bucketkey.FormatPercent(x) })...)
			name := bucketkey.Percentiles{Name: a.Name, Percents: p.Percents, Keyed: p.Keyed}.Alias()
			cols = append(cols, syntax.Identifier(name)+"="+syntax.Call("percentiles_array", args...))
		case *dsl.ExtendedStatsAggregation:
			f, err := v.classify(ctx, "extended_stats", p.Field)
			if err != nil {
				return nil, nil, err
			}
			e := numericExpr(f)
			for _, s := range extendedStats {
				name := bucketkey.ExtendedStat{Name: a.Name, Sigma: p.Sigma, Stat: s.stat}.Alias()
				call := syntax.Call(s.fn, e)
				if s.fn == "count" {
					call = syntax.Call("countif", syntax.Call("isnotnull", e))
				}
				cols = append(cols, syntax.Identifier(name)+"="+call)
			}
		case *dsl.TopHitsAggregation:
			tops = append(tops, a)
		case dsl.Bucket:
			// rendered as its own grouping
		default:
			return nil, nil, &dsl.IllegalClauseError{Clause: p.Type(), Reason: "unsupported aggregation"}
		}
	}
	return cols, tops, nil
}

func (v *Visitor) simpleMetric(ctx context.Context, fn, alias, field string) (string, error) {
	f, err := v.classify(ctx, fn, field)
	if err != nil {
		return "", err
	}
	e := numericExpr(f)
	if (fn == "min" || fn == "max") && f.Kind == schema.KindDate {
		e = f.Expr()
	}
	return alias + "=" + syntax.Call(fn, e), nil
}

// numericExpr casts dynamic values to double so they can be aggregated.
func numericExpr(f schema.Field) string {
	if f.Dynamic && f.Kind != schema.KindDate {
		return syntax.Call("todouble", f.Ref())
	}
	return f.Expr()
}

// topHitsRows renders the row selection and the packed row of a top_hits
// aggregation: one pack(source_field, source_value, source_type, sort_value)
// per field.
func (v *Visitor) topHitsRows(ctx context.Context, th *dsl.TopHitsAggregation) (string, string, error) {
	if th.Size <= 0 {
		return "", "", &dsl.IllegalClauseError{Clause: "top_hits", Reason: "size must be positive"}
	}
	sortValue := "dynamic(null)"
	selection := fmt.Sprintf("take %d", th.Size)
	if sort := sortable(th.Sort); len(sort) > 0 {
		order, err := v.orderTerms(ctx, sort)
		if err != nil {
			return "", "", err
		}
		first, err := v.fields.Classify(ctx, sort[0].Field)
		if err != nil {
			return "", "", err
		}
		sortValue = first.Ref()
		selection = fmt.Sprintf("top %d by %s", th.Size, strings.Join(order, ", "))
	}
	packs := make([]string, 0, len(th.Fields))
	for _, name := range th.Fields {
		f, err := v.fields.Classify(ctx, name)
		if err != nil {
			return "", "", err
		}
		packs = append(packs, syntax.Call("pack",
			syntax.String("source_field"), syntax.String(name),
			syntax.String("source_value"), f.Ref(),
			syntax.String("source_type"), syntax.Call("gettype", f.Ref()),
			syntax.String("sort_value"), sortValue))
	}
	return selection, syntax.Call("pack_array", packs...), nil
}

// topHitsLookup joins the top rows of every bucket onto a grouping. source
// holds the bucket's rows with its key columns.
func (v *Visitor) topHitsLookup(ctx context.Context, source string, keys []string, a *dsl.Aggregation) (string, error) {
	th := a.Primary.(*dsl.TopHitsAggregation)
	selection, pack, err := v.topHitsRows(ctx, th)
	if err != nil {
		return "", err
	}
	col := syntax.Identifier(bucketkey.TopHitsAlias(a.Name))
	by := strings.Join(keys, ", ")
	partition := keys[0]
	if len(keys) > 1 {
		partition = syntax.Identifier(bucketColumn)
		source += fmt.Sprintf(" | extend %s = tostring(pack_array(%s))", partition, by)
	}
	return fmt.Sprintf("lookup kind=leftouter (%s | partition hint.strategy=native by %s (%s) | summarize %s = make_list(%s) by %s) on %s",
		source, partition, selection, col, pack, by, by), nil
}

const bucketColumn = "_bucket"

// topHitsScalar renders an extend column holding the top rows of source.
func (v *Visitor) topHitsScalar(ctx context.Context, source string, a *dsl.Aggregation) (string, error) {
	th := a.Primary.(*dsl.TopHitsAggregation)
	selection, pack, err := v.topHitsRows(ctx, th)
	if err != nil {
		return "", err
	}
	col := syntax.Identifier(bucketkey.TopHitsAlias(a.Name))
	return fmt.Sprintf("%s = toscalar(%s | %s | summarize make_list(%s))", col, source, selection, pack), nil
}

// dateHistogramKey renders the bucket key of a date histogram, shifted into
// the requested time zone for rounding.
func dateHistogramKey(f schema.Field, p *dsl.DateHistogramAggregation) (string, error) {
	var round func(string) string
	switch interval := p.CalendarInterval; interval {
	case "":
		if !fixedInterval.MatchString(p.FixedInterval) {
			return "", &dsl.IllegalClauseError{Clause: "date_histogram", Reason: fmt.Sprintf("unsupported interval %q", p.FixedInterval)}
		}
		round = func(e string) string { return syntax.Call("bin", e, p.FixedInterval) }
	case "minute", "1m":
		round = func(e string) string { return syntax.Call("bin", e, "1m") }
	case "hour", "1h":
		round = func(e string) string { return syntax.Call("bin", e, "1h") }
	case "day", "1d":
		round = func(e string) string { return syntax.Call("startofday", e) }
	case "week", "1w":
		round = func(e string) string { return syntax.Call("startofweek", e) }
	case "month", "1M":
		round = func(e string) string { return syntax.Call("startofmonth", e) }
	case "quarter", "1q":
		round = func(e string) string {
			back := fmt.Sprintf("-((%s - 1) %% 3)", syntax.Call("getmonth", e))
			return syntax.Call("datetime_add", "'month'", back, syntax.Call("startofmonth", e))
		}
	case "year", "1y":
		round = func(e string) string { return syntax.Call("startofyear", e) }
	default:
		return "", &dsl.IllegalClauseError{Clause: "date_histogram", Reason: fmt.Sprintf("unsupported calendar interval %q", interval)}
	}

	expr := f.Expr()
	tz := strings.TrimSpace(p.TimeZone)
	switch {
	case tz == "" || tz == "UTC" || tz == "Z" || tz == "Etc/UTC" || tz == "+00:00" || tz == "-00:00":
		return round(expr), nil
	case strings.HasPrefix(tz, "+") || strings.HasPrefix(tz, "-"):
		offset, err := zoneOffset(tz)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s - %s", round(expr+" + "+offset), offset), nil
	}
	zone := syntax.String(tz)
	return syntax.Call("datetime_local_to_utc", round(syntax.Call("datetime_utc_to_local", expr, zone)), zone), nil
}

// zoneOffset renders "+02:00" as a KQL timespan literal ("120m").
func zoneOffset(tz string) (string, error) {
	t, err := time.Parse("-07:00", tz)
	if err != nil {
		return "", &dsl.IllegalClauseError{Clause: "date_histogram", Reason: fmt.Sprintf("unsupported time zone %q", tz)}
	}
	_, secs := t.Zone()
	minutes := secs / 60
	if minutes < 0 {
		return "-" + strconv.Itoa(-minutes) + "m", nil
	}
	return strconv.Itoa(minutes) + "m", nil
}
