package kql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/schema"
)

var logs = schema.Table{Database: "db", Name: "logs"}

func testFields() *schema.Retriever {
	return schema.NewRetriever(schema.StaticFetcher{
		"timestamp":  "datetime",
		"bytes":      "long",
		"host":       "string",
		"message":    "string",
		"latency":    "real",
		"props":      "dynamic",
		"props.code": "int",
	}, logs)
}

func TestVisitClause(t *testing.T) {
	tests := []struct {
		name   string
		clause dsl.Clause
		want   string
	}{
		{
			"epoch millis range",
			&dsl.RangeClause{Field: "timestamp", GTE: "0", LTE: "10", Format: "epoch_millis"},
			"['timestamp'] >= unixtime_milliseconds_todatetime(0) and ['timestamp'] <= unixtime_milliseconds_todatetime(10)",
		},
		{
			"numeric range",
			&dsl.RangeClause{Field: "bytes", GTE: "5", LT: "10"},
			"['bytes'] >= 5 and ['bytes'] < 10",
		},
		{
			"exclusive lower bound",
			&dsl.RangeClause{Field: "bytes", GT: "5", LTE: "10"},
			"['bytes'] > 5 and ['bytes'] <= 10",
		},
		{
			"date math range",
			&dsl.RangeClause{Field: "timestamp", GTE: "now-15m"},
			"['timestamp'] >= datetime_add('minute', -15, now())",
		},
		{
			"date literal range",
			&dsl.RangeClause{Field: "timestamp", LT: "2020-01-01T00:00:00Z"},
			`['timestamp'] < todatetime("2020-01-01T00:00:00Z")`,
		},
		{
			"dynamic range",
			&dsl.RangeClause{Field: "props.code", GT: "3"},
			"todouble(['props']['code']) > 3",
		},
		{
			"match phrase string",
			&dsl.MatchPhraseClause{Field: "host", Phrase: "web-1"},
			`['host'] == "web-1"`,
		},
		{
			"match phrase number",
			&dsl.MatchPhraseClause{Field: "bytes", Phrase: "200"},
			"['bytes'] == 200",
		},
		{
			"exists string",
			&dsl.ExistsClause{Field: "host"},
			"isnotempty(['host'])",
		},
		{
			"exists dynamic",
			&dsl.ExistsClause{Field: "props.code"},
			"isnotnull(['props']['code'])",
		},
		{
			"query string wildcard",
			&dsl.QueryStringClause{Phrase: "TEST*RESULT", AnalyzeWildcard: true},
			`* matches regex "TEST(.)*RESULT"`,
		},
		{
			"ids",
			&dsl.IdsQuery{Values: []string{"a", "b"}},
			`['_id'] in ("a", "b")`,
		},
		{
			"empty bool",
			&dsl.BoolQuery{},
			"true",
		},
		{
			"bool",
			&dsl.BoolQuery{
				Must:    []dsl.Clause{&dsl.QueryStringClause{Phrase: "error"}},
				Filter:  []dsl.Clause{&dsl.MatchPhraseClause{Field: "host", Phrase: "web-1"}},
				MustNot: []dsl.Clause{&dsl.ExistsClause{Field: "bytes"}},
			},
			`(* has "error") and (['host'] == "web-1") and not(isnotnull(['bytes']))`,
		},
		{
			"bool should",
			&dsl.BoolQuery{Should: []dsl.Clause{
				&dsl.MatchPhraseClause{Field: "host", Phrase: "a"},
				&dsl.MatchPhraseClause{Field: "host", Phrase: "b"},
			}},
			`((['host'] == "a") or (['host'] == "b"))`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVisitor(testFields()).VisitClause(context.Background(), tt.clause)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVisitClauseFailures(t *testing.T) {
	v := NewVisitor(testFields())
	ctx := context.Background()

	_, err := v.VisitClause(ctx, &dsl.RangeClause{Field: "bytes"})
	assert.ErrorIs(t, err, dsl.ErrIllegalClause)

	_, err = v.VisitClause(ctx, &dsl.ExistsClause{})
	assert.ErrorIs(t, err, dsl.ErrIllegalClause)

	_, err = v.VisitClause(ctx, nil)
	assert.ErrorIs(t, err, dsl.ErrNilNode)

	var typedNil *dsl.RangeClause
	_, err = v.VisitClause(ctx, typedNil)
	assert.ErrorIs(t, err, dsl.ErrNilNode)

	_, err = v.VisitClause(ctx, &dsl.BoolQuery{Must: []dsl.Clause{nil}})
	assert.ErrorIs(t, err, dsl.ErrNilNode)

	_, err = v.VisitQuery(ctx, nil)
	assert.ErrorIs(t, err, dsl.ErrNilNode)

	_, err = v.VisitClause(ctx, &dsl.QueryStringClause{Phrase: `"open`})
	assert.ErrorIs(t, err, dsl.ErrIllegalClause)
}

func TestVisitAggregations(t *testing.T) {
	tests := []struct {
		name string
		aggs []*dsl.Aggregation
		want string
	}{
		{
			"terms by count",
			[]*dsl.Aggregation{{Name: "2", Primary: &dsl.TermsAggregation{Field: "host", Size: 10, OrderBy: "_count", OrderDesc: true, MinDocCount: 1}}},
			"_data | summarize count() by ['2'] = ['host'] | order by count_ desc | limit 10",
		},
		{
			"terms by metric",
			[]*dsl.Aggregation{{
				Name:    "2",
				Primary: &dsl.TermsAggregation{Field: "host", Size: 5, OrderBy: "1", OrderDesc: true},
				Aggs:    []*dsl.Aggregation{{Name: "1", Primary: &dsl.AverageAggregation{Field: "latency"}}},
			}},
			"_data | summarize ['1']=avg(['latency']), count() by ['2'] = ['host'] | order by ['1'] desc | limit 5",
		},
		{
			"terms by key with min doc count",
			[]*dsl.Aggregation{{Name: "2", Primary: &dsl.TermsAggregation{Field: "host", Size: 3, OrderBy: "_key", MinDocCount: 5}}},
			"_data | summarize count() by ['2'] = ['host'] | where count_ >= 5 | order by ['2'] asc | limit 3",
		},
		{
			"date histogram",
			[]*dsl.Aggregation{{Name: "2", Primary: &dsl.DateHistogramAggregation{Field: "timestamp", FixedInterval: "30s", MinDocCount: 1}}},
			"_data | summarize count() by ['2'] = bin(['timestamp'], 30s) | order by ['2'] asc",
		},
		{
			"date histogram in named zone",
			[]*dsl.Aggregation{{Name: "2", Primary: &dsl.DateHistogramAggregation{Field: "timestamp", CalendarInterval: "day", TimeZone: "Europe/Paris"}}},
			`_data | summarize count() by ['2'] = datetime_local_to_utc(startofday(datetime_utc_to_local(['timestamp'], "Europe/Paris")), "Europe/Paris") | order by ['2'] asc`,
		},
		{
			"date histogram with offset",
			[]*dsl.Aggregation{{Name: "2", Primary: &dsl.DateHistogramAggregation{Field: "timestamp", FixedInterval: "1h", TimeZone: "+02:00"}}},
			"_data | summarize count() by ['2'] = bin(['timestamp'] + 120m, 1h) - 120m | order by ['2'] asc",
		},
		{
			"histogram",
			[]*dsl.Aggregation{{Name: "2", Primary: &dsl.HistogramAggregation{Field: "bytes", Interval: "100"}}},
			"_data | summarize count() by ['2'] = bin(['bytes'], 100) | order by ['2'] asc",
		},
		{
			"root metrics",
			[]*dsl.Aggregation{
				{Name: "1", Primary: &dsl.PercentilesAggregation{Field: "latency", Percents: []float64{25, 50}, Keyed: true}},
				{Name: "2", Primary: &dsl.CardinalityAggregation{Field: "host"}},
			},
			"_data | summarize ['1%percentile%25_50%true']=percentiles_array(['latency'], 25, 50), ['2']=dcount(['host']), count()",
		},
		{
			"range",
			[]*dsl.Aggregation{{Name: "3", Primary: &dsl.RangeAggregation{Field: "bytes", Ranges: []dsl.RangeSpec{{To: "100"}, {From: "100", To: "200"}}}}},
			`union (_data | where ['bytes'] < 100 | summarize count() | extend ['3'] = "_100"), (_data | where ['bytes'] >= 100 and ['bytes'] < 200 | summarize count() | extend ['3'] = "100_200")`,
		},
		{
			"date range",
			[]*dsl.Aggregation{{Name: "3", Primary: &dsl.DateRangeAggregation{Field: "timestamp", Ranges: []dsl.RangeSpec{{From: "now-1d"}}}}},
			`union (_data | where ['timestamp'] >= datetime_add('day', -1, now()) | summarize count() | extend ['3'] = "now-1d_")`,
		},
		{
			"filters",
			[]*dsl.Aggregation{{Name: "f", Primary: &dsl.FiltersAggregation{Filters: []dsl.NamedFilter{
				{Name: "errors", Clause: &dsl.QueryStringClause{Phrase: "error"}},
			}}}},
			`union (_data | where * has "error" | summarize count() | extend ['f'] = "errors")`,
		},
		{
			"terms with top hits",
			[]*dsl.Aggregation{{
				Name:    "2",
				Primary: &dsl.TermsAggregation{Field: "host", Size: 10, OrderBy: "_count", OrderDesc: true},
				Aggs: []*dsl.Aggregation{{Name: "4", Primary: &dsl.TopHitsAggregation{
					Size: 1, Sort: []dsl.SortField{{Field: "timestamp", Desc: true}}, Fields: []string{"message"},
				}}},
			}},
			`_data | summarize count() by ['2'] = ['host'] | lookup kind=leftouter (_data | extend ['2'] = ['host'] | partition hint.strategy=native by ['2'] (top 1 by ['timestamp'] desc) | summarize ['4%top_hits'] = make_list(pack_array(pack("source_field", "message", "source_value", ['message'], "source_type", gettype(['message']), "sort_value", ['timestamp']))) by ['2']) on ['2'] | order by count_ desc | limit 10`,
		},
		{
			"root top hits",
			[]*dsl.Aggregation{{Name: "4", Primary: &dsl.TopHitsAggregation{Size: 2, Fields: []string{"host"}}}},
			`_data | summarize count() | extend ['4%top_hits'] = toscalar(_data | take 2 | summarize make_list(pack_array(pack("source_field", "host", "source_value", ['host'], "source_type", gettype(['host']), "sort_value", dynamic(null)))))`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVisitor(testFields()).VisitAggregations(context.Background(), tt.aggs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVisitNestedAggregations(t *testing.T) {
	tests := []struct {
		name string
		aggs []*dsl.Aggregation
		want string
	}{
		{
			"terms then date histogram",
			[]*dsl.Aggregation{{
				Name:    "2",
				Primary: &dsl.TermsAggregation{Field: "host", Size: 10, OrderBy: "_count", OrderDesc: true},
				Aggs:    []*dsl.Aggregation{{Name: "3", Primary: &dsl.DateHistogramAggregation{Field: "timestamp", FixedInterval: "1h"}}},
			}},
			`union (_data | summarize count() by ['2'] = ['host'] | order by count_ desc | limit 10 | extend ['_agg'] = "2"), ` +
				`(_data | extend ['2'] = ['host'] | summarize count() by ['2'], ['3'] = bin(['timestamp'], 1h) | order by ['2'] asc, ['3'] asc | extend ['_agg'] = "2>3")`,
		},
		{
			"range then terms limited per range",
			[]*dsl.Aggregation{{
				Name:    "r",
				Primary: &dsl.RangeAggregation{Field: "bytes", Ranges: []dsl.RangeSpec{{To: "100"}}},
				Aggs:    []*dsl.Aggregation{{Name: "t", Primary: &dsl.TermsAggregation{Field: "host", Size: 3, OrderDesc: true}}},
			}},
			`union (union (_data | where ['bytes'] < 100 | summarize count() | extend ['r'] = "_100") | extend ['_agg'] = "r"), ` +
				`(union (_data | where ['bytes'] < 100 | extend ['r'] = "_100") | summarize count() by ['r'], ['t'] = ['host'] | order by ['r'] asc, count_ desc | ` +
				`extend ['_rank'] = row_number(1, prev(['r']) != ['r']) | where ['_rank'] <= 3 | project-away ['_rank'] | extend ['_agg'] = "r>t")`,
		},
		{
			"metric beside a bucket",
			[]*dsl.Aggregation{
				{Name: "1", Primary: &dsl.AverageAggregation{Field: "latency"}},
				{Name: "2", Primary: &dsl.TermsAggregation{Field: "host", Size: 5, OrderDesc: true}},
			},
			`union (_data | summarize ['1']=avg(['latency']), count() | extend ['_agg'] = ""), ` +
				`(_data | summarize count() by ['2'] = ['host'] | order by count_ desc | limit 5 | extend ['_agg'] = "2")`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVisitor(testFields()).VisitAggregations(context.Background(), tt.aggs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNestedTopHitsPartitionByEveryKey(t *testing.T) {
	aggs := []*dsl.Aggregation{{
		Name:    "2",
		Primary: &dsl.TermsAggregation{Field: "host", Size: 10},
		Aggs: []*dsl.Aggregation{{
			Name:    "3",
			Primary: &dsl.HistogramAggregation{Field: "bytes", Interval: "10"},
			Aggs:    []*dsl.Aggregation{{Name: "4", Primary: &dsl.TopHitsAggregation{Size: 1, Fields: []string{"message"}}}},
		}},
	}}
	got, err := NewVisitor(testFields()).VisitAggregations(context.Background(), aggs)
	require.NoError(t, err)
	assert.Contains(t, got, `| extend ['_bucket'] = tostring(pack_array(['2'], ['3'])) | partition hint.strategy=native by ['_bucket'] (take 1)`)
	assert.Contains(t, got, `by ['2'], ['3']) on ['2'], ['3']`)
}

func TestExtendedStatsColumns(t *testing.T) {
	aggs := []*dsl.Aggregation{{Name: "1", Primary: &dsl.ExtendedStatsAggregation{Field: "latency", Sigma: 2}}}
	got, err := NewVisitor(testFields()).VisitAggregations(context.Background(), aggs)
	require.NoError(t, err)
	assert.Contains(t, got, "['1%extended_stats%2%count']=countif(isnotnull(['latency']))")
	assert.Contains(t, got, "['1%extended_stats%2%variance']=variancep(['latency'])")
	assert.Contains(t, got, "['1%extended_stats%2%std_deviation']=stdevp(['latency'])")
}

func TestTranslate(t *testing.T) {
	req := &dsl.Request{
		Index: "logs",
		Query: &dsl.Query{Bool: &dsl.BoolQuery{
			Must:   []dsl.Clause{&dsl.QueryStringClause{Phrase: "error"}},
			Filter: []dsl.Clause{&dsl.MatchPhraseClause{Field: "host", Phrase: "web-1"}},
			MustNot: []dsl.Clause{
				&dsl.QueryStringClause{Phrase: "debug"},
			},
		}},
		Aggs: []*dsl.Aggregation{{Name: "2", Primary: &dsl.TermsAggregation{Field: "host", Size: 10, OrderBy: "_count", OrderDesc: true}}},
		Sort: []dsl.SortField{{Field: "timestamp", Desc: true}, {Field: "_score"}},
		From: 5,
		Size: 10,
	}
	st, err := Translate(context.Background(), req, logs, testFields(), Options{})
	require.NoError(t, err)

	assert.Equal(t, `let _data = database("db").['logs'] | where (* has "error") and (['host'] == "web-1") and not(* has "debug");
(_data | summarize count() | as hitsTotal);
(_data | summarize count() by ['2'] = ['host'] | order by count_ desc | limit 10 | as aggs);
(_data | order by ['timestamp'] desc | limit 15 | as hits)`, st.Text)
	assert.Equal(t, 15, st.Limit)
	assert.Equal(t, map[string]string{"*": "error", "host": `"web-1"`}, st.Highlights)
}

func TestTranslateCapsHits(t *testing.T) {
	req := &dsl.Request{Query: &dsl.Query{Ids: &dsl.IdsQuery{Values: []string{"x"}}}, Size: 500}
	st, err := Translate(context.Background(), req, logs, testFields(), Options{MaxHits: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, st.Limit)
	assert.Equal(t, `let _data = database("db").['logs'] | where ['_id'] in ("x");
(_data | summarize count() | as hitsTotal);
(_data | limit 100 | as hits)`, st.Text)
}

func TestHighlightsSkipFilterAggregations(t *testing.T) {
	req := &dsl.Request{
		Query: &dsl.Query{Bool: &dsl.BoolQuery{}},
		Aggs: []*dsl.Aggregation{{Name: "f", Primary: &dsl.FiltersAggregation{Filters: []dsl.NamedFilter{
			{Name: "a", Clause: &dsl.QueryStringClause{Phrase: "hidden"}},
		}}}},
	}
	st, err := Translate(context.Background(), req, logs, testFields(), Options{})
	require.NoError(t, err)
	assert.Empty(t, st.Highlights)
}
