package models

// Aggregate is an aggregation result. Each variant renders the JSON shape
// Elasticsearch uses for it.
type Aggregate interface {
	aggregate()
}

// BucketAggregate holds the buckets of terms, histogram, range and filters
// aggregations. Keyed buckets render as an object keyed by bucket key, in
// bucket order.
type BucketAggregate struct {
	Buckets                 []Bucket
	Keyed                   bool
	DocCountErrorUpperBound *int64
	SumOtherDocCount        *int64
}

// Bucket fields left at their zero value are omitted, except DocCount.
type Bucket struct {
	Key          any
	KeyAsString  string
	DocCount     int64
	From         any
	To           any
	FromAsString string
	ToAsString   string
	Aggregations map[string]Aggregate
}

// ValueAggregate is a single-valued metric; a nil Value renders as null.
type ValueAggregate struct {
	Value         any
	ValueAsString string
}

// PercentilesAggregate renders {"values": {"50.0": v}} when keyed and
// {"values": [{"key": 50, "value": v}]} otherwise.
type PercentilesAggregate struct {
	Values []Percentile
	Keyed  bool
}

type Percentile struct {
	Percent float64
	Key     string
	Value   any
}

type ExtendedStatsAggregate struct {
	Count        int64
	Min          any
	Max          any
	Avg          any
	Sum          any
	SumOfSquares any
	Variance     any
	StdDeviation any
	Upper        any
	Lower        any
}

type TopHitsAggregate struct {
	Hits Hits
}

func (*BucketAggregate) aggregate()        {}
func (*ValueAggregate) aggregate()         {}
func (*PercentilesAggregate) aggregate()   {}
func (*ExtendedStatsAggregate) aggregate() {}
func (*TopHitsAggregate) aggregate()       {}

func (a *BucketAggregate) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if a.DocCountErrorUpperBound != nil {
		out["doc_count_error_upper_bound"] = *a.DocCountErrorUpperBound
	}
	if a.SumOtherDocCount != nil {
		out["sum_other_doc_count"] = *a.SumOtherDocCount
	}
	if a.Keyed {
		keyed := make(object, 0, len(a.Buckets))
		for _, b := range a.Buckets {
			keyed = append(keyed, member{b.keyString(), b})
		}
		out["buckets"] = keyed
	} else {
		buckets := a.Buckets
		if buckets == nil {
			buckets = []Bucket{}
		}
		out["buckets"] = buckets
	}
	return marshalObject(out)
}

func (b Bucket) keyString() string {
	if s, ok := b.Key.(string); ok {
		return s
	}
	if b.KeyAsString != "" {
		return b.KeyAsString
	}
	return jsonText(b.Key)
}

func (b Bucket) MarshalJSON() ([]byte, error) {
	out := map[string]any{"doc_count": b.DocCount}
	if b.Key != nil {
		out["key"] = b.Key
	}
	if b.KeyAsString != "" {
		out["key_as_string"] = b.KeyAsString
	}
	if b.From != nil {
		out["from"] = b.From
	}
	if b.To != nil {
		out["to"] = b.To
	}
	if b.FromAsString != "" {
		out["from_as_string"] = b.FromAsString
	}
	if b.ToAsString != "" {
		out["to_as_string"] = b.ToAsString
	}
	// sub-aggregations sit next to the bucket's own fields
	for name, agg := range b.Aggregations {
		out[name] = agg
	}
	return marshalObject(out)
}

func (a *ValueAggregate) MarshalJSON() ([]byte, error) {
	out := map[string]any{"value": a.Value}
	if a.ValueAsString != "" {
		out["value_as_string"] = a.ValueAsString
	}
	return marshalObject(out)
}

func (a *PercentilesAggregate) MarshalJSON() ([]byte, error) {
	if a.Keyed {
		values := make(object, 0, len(a.Values))
		for _, p := range a.Values {
			values = append(values, member{p.Key, p.Value})
		}
		return marshalObject(map[string]any{"values": values})
	}
	values := make([]map[string]any, 0, len(a.Values))
	for _, p := range a.Values {
		values = append(values, map[string]any{"key": p.Percent, "value": p.Value})
	}
	return marshalObject(map[string]any{"values": values})
}

func (a *ExtendedStatsAggregate) MarshalJSON() ([]byte, error) {
	return marshalObject(map[string]any{
		"count":          a.Count,
		"min":            a.Min,
		"max":            a.Max,
		"avg":            a.Avg,
		"sum":            a.Sum,
		"sum_of_squares": a.SumOfSquares,
		"variance":       a.Variance,
		"std_deviation":  a.StdDeviation,
		"std_deviation_bounds": map[string]any{
			"upper": a.Upper,
			"lower": a.Lower,
		},
	})
}

func (a *TopHitsAggregate) MarshalJSON() ([]byte, error) {
	return marshalObject(map[string]any{"hits": a.Hits})
}
