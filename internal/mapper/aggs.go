package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"kqlbridge/internal/bucketkey"
	"kqlbridge/internal/dsl"
	"kqlbridge/internal/kql"
	"kqlbridge/internal/kusto"
	"kqlbridge/pkg/models"
)

// KeyDateFormat renders date bucket keys.
const KeyDateFormat = "2006-01-02T15:04:05.000Z"

// ParseAggregations rebuilds the requested aggregations from the aggs table.
// Rows of nested bucket aggregations carry the keys of every enclosing
// bucket and, when the table holds more than one grouping, the path of the
// aggregation that produced them.
func ParseAggregations(table *kusto.Table, aggs []*dsl.Aggregation) (map[string]models.Aggregate, error) {
	if len(aggs) == 0 {
		return nil, nil
	}
	if table == nil {
		table = &kusto.Table{}
	}
	r := rows{table: table}

	var row []any
	if root := r.rowsOf(bucketkey.RootPath, nil); len(root) > 0 {
		row = root[0]
	}
	return r.children(aggs, bucketkey.RootPath, row, nil)
}

type rows struct {
	table *kusto.Table
}

// parentKey is the key of an enclosing bucket as stored in its column.
type parentKey struct {
	column string
	value  any
}

func (r rows) cell(row []any, column string) (any, bool) {
	c := r.table.ColumnIndex(column)
	if c < 0 || c >= len(row) {
		return nil, false
	}
	return row[c], true
}

func (r rows) columnType(column string) string {
	if c := r.table.ColumnIndex(column); c >= 0 {
		return kusto.NormalizeType(r.table.Columns[c].Type)
	}
	return ""
}

// rowsOf returns the rows produced by the aggregation at path that belong
// to the bucket identified by keys. A table without a path column holds a
// single grouping.
func (r rows) rowsOf(path string, keys []parentKey) [][]any {
	tagged := r.table.ColumnIndex(bucketkey.PathColumn) >= 0
	var out [][]any
	for _, row := range r.table.Rows {
		if tagged && pathOf(r.cell(row, bucketkey.PathColumn)) != path {
			continue
		}
		if lo.EveryBy(keys, func(k parentKey) bool {
			v, _ := r.cell(row, k.column)
			return fmt.Sprint(v) == fmt.Sprint(k.value)
		}) {
			out = append(out, row)
		}
	}
	return out
}

func pathOf(v any, _ bool) string {
	if v == nil {
		return bucketkey.RootPath
	}
	return fmt.Sprint(v)
}

// children rebuilds the aggregations below one bucket: metrics come from the
// bucket's own row, bucket aggregations from the rows tagged with their path.
func (r rows) children(aggs []*dsl.Aggregation, path string, row []any, keys []parentKey) (map[string]models.Aggregate, error) {
	var metrics []*dsl.Aggregation
	buckets := make(map[string]models.Aggregate)
	for _, a := range aggs {
		if a == nil || a.Primary == nil {
			return nil, fmt.Errorf("aggregation: %w", dsl.ErrNilNode)
		}
		if _, ok := a.Primary.(dsl.Bucket); !ok {
			metrics = append(metrics, a)
			continue
		}
		agg, err := r.buckets(a, bucketkey.Path(path, a.Name), keys)
		if err != nil {
			return nil, fmt.Errorf("aggregation %s: %w", a.Name, err)
		}
		buckets[a.Name] = agg
	}
	out, err := r.metrics(row, metrics)
	if err != nil {
		return nil, err
	}
	for name, agg := range buckets {
		out[name] = agg
	}
	return out, nil
}

func (r rows) buckets(a *dsl.Aggregation, path string, keys []parentKey) (*models.BucketAggregate, error) {
	out := &models.BucketAggregate{Buckets: []models.Bucket{}}
	for _, row := range r.rowsOf(path, keys) {
		raw, _ := r.cell(row, a.Name)
		b, ok, err := r.bucket(a, raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if v, ok := r.cell(row, kql.CountColumn); ok {
			b.DocCount, _ = toInt(v)
		}
		subs, err := r.children(a.Aggs, path, row, append(slices.Clone(keys), parentKey{column: a.Name, value: raw}))
		if err != nil {
			return nil, err
		}
		if len(subs) > 0 {
			b.Aggregations = subs
		}
		out.Buckets = append(out.Buckets, b)
	}

	switch p := a.Primary.(type) {
	case *dsl.TermsAggregation:
		zero := int64(0)
		out.DocCountErrorUpperBound, out.SumOtherDocCount = &zero, &zero
	case *dsl.RangeAggregation:
		out.Keyed = p.Keyed
		if err := r.fillBranches(out, a, path, keys, rangeOrder(p.Ranges)); err != nil {
			return nil, err
		}
	case *dsl.DateRangeAggregation:
		out.Keyed = p.Keyed
		if err := r.fillBranches(out, a, path, keys, rangeOrder(p.Ranges)); err != nil {
			return nil, err
		}
	case *dsl.FiltersAggregation:
		out.Keyed = true
		order := make(map[string]int, len(p.Filters))
		for i, f := range p.Filters {
			order[f.Name] = i
		}
		if err := r.fillBranches(out, a, path, keys, order); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// bucket decodes the key of one bucket row. Rows of date and numeric
// histograms without a key are skipped.
func (r rows) bucket(a *dsl.Aggregation, raw any) (models.Bucket, bool, error) {
	b := models.Bucket{}
	switch p := a.Primary.(type) {
	case *dsl.TermsAggregation:
		key, err := Convert(r.columnType(a.Name), raw)
		if err != nil {
			return b, false, err
		}
		b.Key = key
		if t, ok, _ := parseTime(raw); ok && r.columnType(a.Name) == "datetime" {
			b.Key, b.KeyAsString = t.UnixMilli(), t.UTC().Format(KeyDateFormat)
		}
	case *dsl.DateHistogramAggregation:
		t, ok, err := parseTime(raw)
		if err != nil || !ok {
			return b, false, err
		}
		b.Key, b.KeyAsString = t.UnixMilli(), t.UTC().Format(KeyDateFormat)
	case *dsl.HistogramAggregation:
		f, ok := toFloat(raw)
		if !ok {
			return b, false, nil
		}
		b.Key = f
	case *dsl.RangeAggregation:
		if err := rangeBucket(&b, raw, p.Ranges, false); err != nil {
			return b, false, err
		}
	case *dsl.DateRangeAggregation:
		if err := rangeBucket(&b, raw, p.Ranges, true); err != nil {
			return b, false, err
		}
	case *dsl.FiltersAggregation:
		b.Key = fmt.Sprint(raw)
	}
	return b, true, nil
}

// fillBranches adds an empty bucket for every requested range or filter the
// backend returned no row for, then orders the buckets as requested. Below
// the root a grouping yields no row for an empty branch.
func (r rows) fillBranches(out *models.BucketAggregate, a *dsl.Aggregation, path string, keys []parentKey, order map[string]int) error {
	present := make(map[string]bool, len(out.Buckets))
	for _, b := range out.Buckets {
		present[branchKey(b)] = true
	}
	for key := range order {
		if present[key] {
			continue
		}
		b, _, err := r.bucket(a, key)
		if err != nil {
			return err
		}
		subs, err := r.children(a.Aggs, path, nil, append(slices.Clone(keys), parentKey{column: a.Name, value: key}))
		if err != nil {
			return err
		}
		if len(subs) > 0 {
			b.Aggregations = subs
		}
		out.Buckets = append(out.Buckets, b)
	}
	sortByRequest(out.Buckets, order)
	return nil
}

// branchKey is the key a range or filters bucket was tagged with.
func branchKey(b models.Bucket) string {
	if b.KeyAsString != "" {
		return b.KeyAsString
	}
	return fmt.Sprint(b.Key)
}

// rangeBucket decodes the "<from>_<to>" key of a union branch.
func rangeBucket(b *models.Bucket, raw any, specs []dsl.RangeSpec, dates bool) error {
	encoded := fmt.Sprint(raw)
	rg, ok := bucketkey.ParseRange(encoded)
	if !ok {
		return fmt.Errorf("malformed range key %q", encoded)
	}
	fromKey, toKey := "*", "*"
	if rg.From != "" {
		b.From, b.FromAsString = rangeBound(rg.From, dates)
		fromKey = boundKey(rg.From, b.FromAsString, dates)
	}
	if rg.To != "" {
		b.To, b.ToAsString = rangeBound(rg.To, dates)
		toKey = boundKey(rg.To, b.ToAsString, dates)
	}
	b.Key = fromKey + "-" + toKey
	for _, s := range specs {
		if s.Key != "" && (bucketkey.Range{From: s.From, To: s.To}).Key() == encoded {
			b.Key = s.Key
			break
		}
	}
	// keep the encoded key reachable for ordering
	b.KeyAsString = encoded
	return nil
}

func rangeBound(v string, dates bool) (any, string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if dates {
			return f, time.UnixMilli(int64(f)).UTC().Format(KeyDateFormat)
		}
		return f, ""
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return float64(t.UnixMilli()), t.UTC().Format(KeyDateFormat)
	}
	return nil, v
}

func boundKey(v, asString string, dates bool) string {
	if dates && asString != "" {
		return asString
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return bucketkey.ResponseKey(f)
	}
	return v
}

func rangeOrder(specs []dsl.RangeSpec) map[string]int {
	order := make(map[string]int, len(specs))
	for i, s := range specs {
		order[bucketkey.Range{From: s.From, To: s.To}.Key()] = i
	}
	return order
}

// sortByRequest orders union buckets as they were requested. Range buckets
// are matched on their encoded key, filters on their name.
func sortByRequest(buckets []models.Bucket, order map[string]int) {
	pos := func(b models.Bucket) int {
		if i, ok := order[b.KeyAsString]; ok {
			return i
		}
		if s, ok := b.Key.(string); ok {
			if i, ok := order[s]; ok {
				return i
			}
		}
		return len(order)
	}
	sort.SliceStable(buckets, func(i, j int) bool { return pos(buckets[i]) < pos(buckets[j]) })
	for i := range buckets {
		if _, ok := order[buckets[i].KeyAsString]; ok {
			buckets[i].KeyAsString = ""
		}
	}
}

// metrics reads the metric aggregations of one row. A nil row yields empty
// metrics.
func (r rows) metrics(row []any, aggs []*dsl.Aggregation) (map[string]models.Aggregate, error) {
	out := make(map[string]models.Aggregate)
	for _, a := range aggs {
		if a == nil || a.Primary == nil {
			return nil, fmt.Errorf("aggregation: %w", dsl.ErrNilNode)
		}
		switch p := a.Primary.(type) {
		case *dsl.AverageAggregation, *dsl.SumAggregation, *dsl.MinAggregation, *dsl.MaxAggregation:
			out[a.Name] = r.value(row, a.Name)
		case *dsl.CardinalityAggregation:
			v, _ := r.cell(row, a.Name)
			n, _ := toInt(v)
			out[a.Name] = &models.ValueAggregate{Value: n}
		case *dsl.PercentilesAggregation:
			agg, err := r.percentiles(row, a.Name, p)
			if err != nil {
				return nil, err
			}
			out[a.Name] = agg
		case *dsl.ExtendedStatsAggregation:
			out[a.Name] = r.extendedStats(row, a.Name, p)
		case *dsl.TopHitsAggregation:
			agg, err := r.topHits(row, a.Name)
			if err != nil {
				return nil, err
			}
			out[a.Name] = agg
		}
	}
	return out, nil
}

func (r rows) value(row []any, column string) *models.ValueAggregate {
	v, _ := r.cell(row, column)
	if r.columnType(column) == "datetime" {
		if t, ok, _ := parseTime(v); ok {
			return &models.ValueAggregate{Value: float64(t.UnixMilli()), ValueAsString: t.UTC().Format(KeyDateFormat)}
		}
		return &models.ValueAggregate{}
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return &models.ValueAggregate{}
	}
	return &models.ValueAggregate{Value: f}
}

// percentiles finds the column whose alias encodes this aggregation and
// reads the percent list and keyed flag back from it.
func (r rows) percentiles(row []any, name string, p *dsl.PercentilesAggregation) (*models.PercentilesAggregate, error) {
	for c, col := range r.table.Columns {
		enc, ok := bucketkey.ParsePercentiles(col.Name)
		if !ok || enc.Name != name {
			continue
		}
		agg := &models.PercentilesAggregate{Keyed: enc.Keyed}
		var values []any
		if row != nil && c < len(row) {
			var err error
			if values, err = array(row[c]); err != nil {
				return nil, fmt.Errorf("percentiles %s: %w", name, err)
			}
		}
		for i, pct := range enc.Percents {
			var v any
			if i < len(values) {
				if f, ok := toFloat(values[i]); ok && !math.IsNaN(f) {
					v = f
				}
			}
			agg.Values = append(agg.Values, models.Percentile{Percent: pct, Key: bucketkey.ResponseKey(pct), Value: v})
		}
		return agg, nil
	}
	// no rows: report every requested percentile as null
	agg := &models.PercentilesAggregate{Keyed: p.Keyed}
	for _, pct := range p.Percents {
		agg.Values = append(agg.Values, models.Percentile{Percent: pct, Key: bucketkey.ResponseKey(pct)})
	}
	return agg, nil
}

func (r rows) extendedStats(row []any, name string, p *dsl.ExtendedStatsAggregation) *models.ExtendedStatsAggregate {
	stats := map[string]float64{}
	sigma := p.Sigma
	for c, col := range r.table.Columns {
		enc, ok := bucketkey.ParseExtendedStat(col.Name)
		if !ok || enc.Name != name || row == nil || c >= len(row) {
			continue
		}
		sigma = enc.Sigma
		if f, ok := toFloat(row[c]); ok && !math.IsNaN(f) {
			stats[enc.Stat] = f
		}
	}

	out := &models.ExtendedStatsAggregate{Count: int64(stats["count"])}
	if out.Count == 0 {
		return out
	}
	avg, variance, std := stats["avg"], stats["variance"], stats["std_deviation"]
	out.Min, out.Max, out.Avg, out.Sum = stats["min"], stats["max"], avg, stats["sum"]
	out.Variance, out.StdDeviation = variance, std
	out.SumOfSquares = float64(out.Count) * (variance + avg*avg)
	out.Upper, out.Lower = avg+sigma*std, avg-sigma*std
	return out
}

// topHits unpacks rows of pack(source_field, source_value, source_type,
// sort_value). Values go through the converter of their backend type.
func (r rows) topHits(row []any, name string) (*models.TopHitsAggregate, error) {
	agg := &models.TopHitsAggregate{Hits: models.Hits{Hits: []models.Hit{}}}
	v, ok := r.cell(row, bucketkey.TopHitsAlias(name))
	if !ok || v == nil {
		return agg, nil
	}
	packed, err := array(v)
	if err != nil {
		return nil, fmt.Errorf("top_hits %s: %w", name, err)
	}
	for _, entry := range packed {
		fields, ok := entry.([]any)
		if !ok {
			continue
		}
		hit := models.Hit{Source: models.Document{}}
		var sortVal any
		for _, f := range fields {
			m, ok := f.(map[string]any)
			if !ok {
				continue
			}
			if field, ok := m["source_field"].(string); ok {
				typ, _ := m["source_type"].(string)
				v, err := Convert(typ, m["source_value"])
				if err != nil {
					return nil, fmt.Errorf("top_hits %s: %w", name, err)
				}
				hit.Source[field] = v
			}
			sortVal = m["sort_value"]
		}
		if sortVal != nil {
			if t, err := time.Parse(time.RFC3339Nano, fmt.Sprint(sortVal)); err == nil {
				sortVal = t.UnixMilli()
			}
			hit.Sort = []any{sortVal}
		}
		agg.Hits.Hits = append(agg.Hits.Hits, hit)
	}
	agg.Hits.Total = models.Total{Value: int64(len(agg.Hits.Hits)), Relation: "eq"}
	return agg, nil
}

// array reads a dynamic array cell, which arrives either parsed or as JSON
// text.
func array(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case string:
		dec := json.NewDecoder(strings.NewReader(t))
		dec.UseNumber()
		var out []any
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected %T for an array", v)
}
