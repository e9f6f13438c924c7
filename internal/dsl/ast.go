// Package dsl models Elasticsearch search requests: the query clause tree,
// aggregations, sorting, paging and highlighting.
package dsl

// Request is one search of a multi-search body.
type Request struct {
	Index          string
	Query          *Query
	Aggs           []*Aggregation
	Sort           []SortField
	DocValueFields []string
	Highlight      *Highlight
	From           int
	Size           int
}

// Query holds exactly one of Bool or Ids.
type Query struct {
	Bool *BoolQuery
	Ids  *IdsQuery
}

type SortField struct {
	Field string
	Desc  bool
}

type Highlight struct {
	PreTag  string
	PostTag string
	Fields  []string
}

// Clause is a node of the query tree.
type Clause interface {
	clause()
}

type BoolQuery struct {
	Must      []Clause
	Filter    []Clause
	MustNot   []Clause
	Should    []Clause
	ShouldNot []Clause
}

type IdsQuery struct {
	Values []string
}

// RangeClause bounds are kept as text so numbers, dates and date math can be
// told apart by the field type and Format.
type RangeClause struct {
	Field  string
	GTE    string
	GT     string
	LTE    string
	LT     string
	Format string
}

type MatchPhraseClause struct {
	Field  string
	Phrase string
}

type ExistsClause struct {
	Field string
}

type QueryStringClause struct {
	Phrase          string
	AnalyzeWildcard bool
	DefaultField    string
	DefaultOperator string
}

type MatchAllClause struct{}

func (*BoolQuery) clause()         {}
func (*IdsQuery) clause()          {}
func (*RangeClause) clause()       {}
func (*MatchPhraseClause) clause() {}
func (*ExistsClause) clause()      {}
func (*QueryStringClause) clause() {}
func (*MatchAllClause) clause()    {}

// Aggregation is a named aggregation with its nested aggregations, in
// request order.
type Aggregation struct {
	Name    string
	Primary Primary
	Aggs    []*Aggregation
}

// Primary is the single aggregation variant of a container.
type Primary interface {
	Type() string
}

// Bucket is implemented by the variants that group documents.
type Bucket interface {
	Primary
	bucket()
}

// Metric is implemented by the variants that compute values per bucket.
type Metric interface {
	Primary
	metric()
}

type DateHistogramAggregation struct {
	Field            string
	FixedInterval    string
	CalendarInterval string
	TimeZone         string
	MinDocCount      int
}

type HistogramAggregation struct {
	Field       string
	Interval    string
	MinDocCount int
}

// RangeSpec is one requested range. Key overrides the generated key.
type RangeSpec struct {
	From string
	To   string
	Key  string
}

type RangeAggregation struct {
	Field  string
	Ranges []RangeSpec
	Keyed  bool
}

type DateRangeAggregation struct {
	Field    string
	Ranges   []RangeSpec
	Keyed    bool
	TimeZone string
}

// TermsAggregation orders by OrderBy: "_count", "_key" or a metric
// sub-aggregation name.
type TermsAggregation struct {
	Field       string
	Size        int
	OrderBy     string
	OrderDesc   bool
	MinDocCount int
}

type NamedFilter struct {
	Name   string
	Clause Clause
}

type FiltersAggregation struct {
	Filters []NamedFilter
}

type AverageAggregation struct{ Field string }
type SumAggregation struct{ Field string }
type MinAggregation struct{ Field string }
type MaxAggregation struct{ Field string }
type CardinalityAggregation struct{ Field string }

type PercentilesAggregation struct {
	Field    string
	Percents []float64
	Keyed    bool
}

type ExtendedStatsAggregation struct {
	Field string
	Sigma float64
}

// TopHitsAggregation returns the top Size rows of each bucket ordered by
// Sort, projecting Fields.
type TopHitsAggregation struct {
	Size   int
	Sort   []SortField
	Fields []string
}

func (*DateHistogramAggregation) Type() string { return "date_histogram" }
func (*HistogramAggregation) Type() string     { return "histogram" }
func (*RangeAggregation) Type() string         { return "range" }
func (*DateRangeAggregation) Type() string     { return "date_range" }
func (*TermsAggregation) Type() string         { return "terms" }
func (*FiltersAggregation) Type() string       { return "filters" }
func (*AverageAggregation) Type() string       { return "avg" }
func (*SumAggregation) Type() string           { return "sum" }
func (*MinAggregation) Type() string           { return "min" }
func (*MaxAggregation) Type() string           { return "max" }
func (*CardinalityAggregation) Type() string   { return "cardinality" }
func (*PercentilesAggregation) Type() string   { return "percentiles" }
func (*ExtendedStatsAggregation) Type() string { return "extended_stats" }
func (*TopHitsAggregation) Type() string       { return "top_hits" }

func (*DateHistogramAggregation) bucket() {}
func (*HistogramAggregation) bucket()     {}
func (*RangeAggregation) bucket()         {}
func (*DateRangeAggregation) bucket()     {}
func (*TermsAggregation) bucket()         {}
func (*FiltersAggregation) bucket()       {}

func (*AverageAggregation) metric()       {}
func (*SumAggregation) metric()           {}
func (*MinAggregation) metric()           {}
func (*MaxAggregation) metric()           {}
func (*CardinalityAggregation) metric()   {}
func (*PercentilesAggregation) metric()   {}
func (*ExtendedStatsAggregation) metric() {}
func (*TopHitsAggregation) metric()       {}
