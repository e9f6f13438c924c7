package dsl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	defaultSize         = 10
	defaultTermsSize    = 10
	defaultTopHitsSize  = 3
	defaultSigma        = 2.0
	defaultMinDocCount  = 1
	defaultHighlightTag = ""
)

var defaultPercents = []float64{1, 5, 25, 50, 75, 95, 99}

// DecodeIndex reads the index of a multi-search header line. A list of
// indices is joined with commas.
func DecodeIndex(header []byte) (string, error) {
	if !gjson.ValidBytes(header) {
		return "", illegal("header", "not valid JSON")
	}
	idx := gjson.GetBytes(header, "index")
	switch {
	case idx.IsArray():
		var names []string
		for _, v := range idx.Array() {
			names = append(names, v.String())
		}
		if len(names) > 0 {
			return strings.Join(names, ","), nil
		}
	case idx.Type == gjson.String && idx.String() != "":
		return idx.String(), nil
	}
	return "", illegal("header", "index is required")
}

// Decode builds the request of one header/body pair.
func Decode(header, body []byte) (*Request, error) {
	index, err := DecodeIndex(header)
	if err != nil {
		return nil, err
	}
	return DecodeBody(index, body)
}

// DecodeBody builds a request for an index given out of band, as for
// /<index>/_search.
func DecodeBody(index string, body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, illegal("body", "not valid JSON")
	}
	root := gjson.ParseBytes(body)
	req := &Request{Index: index, Size: defaultSize}

	q, err := decodeQuery(root.Get("query"))
	if err != nil {
		return nil, err
	}
	req.Query = q

	if v := root.Get("from"); v.Exists() {
		req.From = int(v.Int())
	}
	if v := root.Get("size"); v.Exists() {
		req.Size = int(v.Int())
	}
	if req.From < 0 || req.Size < 0 {
		return nil, illegal("body", "from and size must not be negative")
	}
	if req.Sort, err = decodeSort(root.Get("sort")); err != nil {
		return nil, err
	}
	req.DocValueFields = decodeFieldList(root.Get("docvalue_fields"))
	req.Highlight = decodeHighlight(root.Get("highlight"))

	aggs := root.Get("aggs")
	if !aggs.Exists() {
		aggs = root.Get("aggregations")
	}
	if req.Aggs, err = decodeAggs(aggs); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeQuery(q gjson.Result) (*Query, error) {
	if b := q.Get("bool"); b.Exists() {
		if !b.Get("must").Exists() || !b.Get("filter").Exists() {
			return nil, illegal("bool", "must and filter are required")
		}
		bq, err := decodeBool(b)
		if err != nil {
			return nil, err
		}
		return &Query{Bool: bq}, nil
	}
	if ids := q.Get("ids"); ids.Exists() {
		iq, err := decodeIds(ids)
		if err != nil {
			return nil, err
		}
		return &Query{Ids: iq}, nil
	}
	return nil, illegal("query", "one of bool or ids is required")
}

func decodeBool(b gjson.Result) (*BoolQuery, error) {
	if !b.IsObject() {
		return nil, fmt.Errorf("bool: %w", ErrNilNode)
	}
	bq := &BoolQuery{}
	lists := []struct {
		key string
		dst *[]Clause
	}{
		{"must", &bq.Must},
		{"filter", &bq.Filter},
		{"must_not", &bq.MustNot},
		{"should", &bq.Should},
		{"should_not", &bq.ShouldNot},
	}
	for _, l := range lists {
		clauses, err := decodeClauses(l.key, b.Get(l.key))
		if err != nil {
			return nil, err
		}
		*l.dst = clauses
	}
	return bq, nil
}

// decodeClauses accepts a list or a single clause object.
func decodeClauses(key string, v gjson.Result) ([]Clause, error) {
	if !v.Exists() {
		return nil, nil
	}
	items := []gjson.Result{v}
	if v.IsArray() {
		items = v.Array()
	}
	out := make([]Clause, 0, len(items))
	for i, item := range items {
		c, err := DecodeClause(item)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeClause decodes a single query clause object.
func DecodeClause(v gjson.Result) (Clause, error) {
	if v.Type == gjson.Null {
		return nil, ErrNilNode
	}
	if !v.IsObject() {
		return nil, illegal("query", "clause must be an object")
	}
	var (
		c     Clause
		err   error
		found bool
	)
	v.ForEach(func(key, value gjson.Result) bool {
		found = true
		if value.Type == gjson.Null {
			err = fmt.Errorf("%s: %w", key.String(), ErrNilNode)
			return false
		}
		switch key.String() {
		case "bool":
			c, err = decodeBool(value)
		case "range":
			c, err = decodeRange(value)
		case "match_phrase", "term":
			c, err = decodeMatchPhrase(key.String(), value)
		case "exists":
			c, err = decodeExists(value)
		case "query_string":
			c, err = decodeQueryString(value)
		case "match_all":
			c = &MatchAllClause{}
		case "ids":
			c, err = decodeIds(value)
		default:
			err = illegal(key.String(), "unsupported clause")
		}
		return false
	})
	if !found {
		return nil, illegal("query", "empty clause")
	}
	return c, err
}

// single returns the only field of {field: body}.
func single(v gjson.Result) (string, gjson.Result, bool) {
	var (
		field string
		body  gjson.Result
		ok    bool
	)
	v.ForEach(func(key, value gjson.Result) bool {
		field, body, ok = key.String(), value, true
		return false
	})
	return field, body, ok && field != ""
}

func decodeRange(v gjson.Result) (Clause, error) {
	field, body, ok := single(v)
	if !ok {
		return nil, illegal("range", "field is required")
	}
	r := &RangeClause{
		Field:  field,
		GTE:    text(body.Get("gte")),
		GT:     text(body.Get("gt")),
		LTE:    text(body.Get("lte")),
		LT:     text(body.Get("lt")),
		Format: body.Get("format").String(),
	}
	if v := text(body.Get("from")); v != "" && r.GTE == "" && r.GT == "" {
		if body.Get("include_lower").Exists() && !body.Get("include_lower").Bool() {
			r.GT = v
		} else {
			r.GTE = v
		}
	}
	if v := text(body.Get("to")); v != "" && r.LTE == "" && r.LT == "" {
		if body.Get("include_upper").Exists() && !body.Get("include_upper").Bool() {
			r.LT = v
		} else {
			r.LTE = v
		}
	}
	if r.GTE == "" && r.GT == "" && r.LTE == "" && r.LT == "" {
		return nil, illegal("range", "at least one bound is required for %s", field)
	}
	return r, nil
}

func decodeMatchPhrase(name string, v gjson.Result) (Clause, error) {
	field, body, ok := single(v)
	if !ok {
		return nil, illegal(name, "field is required")
	}
	if body.IsObject() {
		body = firstOf(body, "query", "value")
	}
	if !body.Exists() || body.Type == gjson.Null {
		return nil, illegal(name, "value is required for %s", field)
	}
	return &MatchPhraseClause{Field: field, Phrase: text(body)}, nil
}

func decodeExists(v gjson.Result) (Clause, error) {
	f := v.Get("field")
	if f.Type != gjson.String || f.String() == "" {
		return nil, illegal("exists", "field is required")
	}
	return &ExistsClause{Field: f.String()}, nil
}

func decodeQueryString(v gjson.Result) (Clause, error) {
	q := v.Get("query")
	if q.Type != gjson.String {
		return nil, illegal("query_string", "query is required")
	}
	return &QueryStringClause{
		Phrase:          q.String(),
		AnalyzeWildcard: v.Get("analyze_wildcard").Bool(),
		DefaultField:    v.Get("default_field").String(),
		DefaultOperator: v.Get("default_operator").String(),
	}, nil
}

func decodeIds(v gjson.Result) (*IdsQuery, error) {
	values := v.Get("values")
	if !values.IsArray() {
		return nil, illegal("ids", "values are required")
	}
	iq := &IdsQuery{}
	for _, id := range values.Array() {
		iq.Values = append(iq.Values, id.String())
	}
	return iq, nil
}

func decodeSort(v gjson.Result) ([]SortField, error) {
	if !v.Exists() {
		return nil, nil
	}
	items := []gjson.Result{v}
	if v.IsArray() {
		items = v.Array()
	}
	var out []SortField
	for _, item := range items {
		if item.Type == gjson.String {
			if item.String() != "_score" {
				out = append(out, SortField{Field: item.String()})
			}
			continue
		}
		field, body, ok := single(item)
		if !ok {
			return nil, illegal("sort", "field is required")
		}
		if field == "_score" {
			continue
		}
		order := body.String()
		if body.IsObject() {
			order = body.Get("order").String()
		}
		out = append(out, SortField{Field: field, Desc: strings.EqualFold(order, "desc")})
	}
	return out, nil
}

// decodeFieldList reads ["a", {"field": "b"}] style lists.
func decodeFieldList(v gjson.Result) []string {
	var out []string
	for _, item := range v.Array() {
		if item.IsObject() {
			if f := item.Get("field").String(); f != "" {
				out = append(out, f)
			}
			continue
		}
		if s := item.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decodeHighlight(v gjson.Result) *Highlight {
	if !v.IsObject() {
		return nil
	}
	h := &Highlight{
		PreTag:  defaultHighlightTag,
		PostTag: defaultHighlightTag,
	}
	if tags := v.Get("pre_tags").Array(); len(tags) > 0 {
		h.PreTag = tags[0].String()
	}
	if tags := v.Get("post_tags").Array(); len(tags) > 0 {
		h.PostTag = tags[0].String()
	}
	v.Get("fields").ForEach(func(key, _ gjson.Result) bool {
		h.Fields = append(h.Fields, key.String())
		return true
	})
	return h
}

func decodeAggs(v gjson.Result) ([]*Aggregation, error) {
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, illegal("aggs", "must be an object")
	}
	var (
		out []*Aggregation
		err error
	)
	v.ForEach(func(key, value gjson.Result) bool {
		var a *Aggregation
		a, err = decodeAgg(key.String(), value)
		if err != nil {
			err = fmt.Errorf("aggregation %s: %w", key.String(), err)
			return false
		}
		out = append(out, a)
		return true
	})
	return out, err
}

func decodeAgg(name string, v gjson.Result) (*Aggregation, error) {
	if v.Type == gjson.Null {
		return nil, ErrNilNode
	}
	a := &Aggregation{Name: name}
	var err error
	v.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "aggs", "aggregations":
			a.Aggs, err = decodeAggs(value)
		case "meta":
		default:
			if a.Primary != nil {
				err = illegal(key.String(), "more than one aggregation type")
				return false
			}
			a.Primary, err = decodePrimary(key.String(), value)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if a.Primary == nil {
		return nil, illegal("aggs", "aggregation type is required")
	}
	return a, nil
}

func decodePrimary(typ string, v gjson.Result) (Primary, error) {
	if v.Type == gjson.Null {
		return nil, ErrNilNode
	}
	field := v.Get("field").String()
	needField := func() error {
		if field == "" {
			return illegal(typ, "field is required")
		}
		return nil
	}

	switch typ {
	case "date_histogram":
		if err := needField(); err != nil {
			return nil, err
		}
		h := &DateHistogramAggregation{
			Field:            field,
			FixedInterval:    v.Get("fixed_interval").String(),
			CalendarInterval: v.Get("calendar_interval").String(),
			TimeZone:         v.Get("time_zone").String(),
			MinDocCount:      minDocCount(v),
		}
		if h.FixedInterval == "" && h.CalendarInterval == "" {
			legacy := v.Get("interval").String()
			if isCalendarInterval(legacy) {
				h.CalendarInterval = legacy
			} else {
				h.FixedInterval = legacy
			}
		}
		if h.FixedInterval == "" && h.CalendarInterval == "" {
			return nil, illegal(typ, "interval is required")
		}
		return h, nil
	case "histogram":
		if err := needField(); err != nil {
			return nil, err
		}
		interval := text(v.Get("interval"))
		if interval == "" {
			return nil, illegal(typ, "interval is required")
		}
		return &HistogramAggregation{Field: field, Interval: interval, MinDocCount: minDocCount(v)}, nil
	case "range", "date_range":
		if err := needField(); err != nil {
			return nil, err
		}
		var ranges []RangeSpec
		for _, r := range v.Get("ranges").Array() {
			ranges = append(ranges, RangeSpec{From: text(r.Get("from")), To: text(r.Get("to")), Key: r.Get("key").String()})
		}
		if len(ranges) == 0 {
			return nil, illegal(typ, "ranges are required")
		}
		if typ == "range" {
			return &RangeAggregation{Field: field, Ranges: ranges, Keyed: v.Get("keyed").Bool()}, nil
		}
		return &DateRangeAggregation{Field: field, Ranges: ranges, Keyed: v.Get("keyed").Bool(), TimeZone: v.Get("time_zone").String()}, nil
	case "terms":
		if err := needField(); err != nil {
			return nil, err
		}
		t := &TermsAggregation{Field: field, Size: defaultTermsSize, OrderBy: "_count", OrderDesc: true, MinDocCount: minDocCount(v)}
		if s := v.Get("size"); s.Exists() {
			t.Size = int(s.Int())
		}
		order := v.Get("order")
		if order.IsArray() {
			order = order.Get("0")
		}
		if by, dir, ok := single(order); ok {
			t.OrderBy, t.OrderDesc = by, strings.EqualFold(dir.String(), "desc")
		}
		return t, nil
	case "filters":
		f := &FiltersAggregation{}
		var err error
		v.Get("filters").ForEach(func(key, value gjson.Result) bool {
			var c Clause
			if c, err = DecodeClause(value); err != nil {
				err = fmt.Errorf("filter %s: %w", key.String(), err)
				return false
			}
			f.Filters = append(f.Filters, NamedFilter{Name: key.String(), Clause: c})
			return true
		})
		if err != nil {
			return nil, err
		}
		if len(f.Filters) == 0 {
			return nil, illegal(typ, "filters are required")
		}
		return f, nil
	case "avg", "sum", "min", "max", "cardinality":
		if err := needField(); err != nil {
			return nil, err
		}
		switch typ {
		case "avg":
			return &AverageAggregation{Field: field}, nil
		case "sum":
			return &SumAggregation{Field: field}, nil
		case "min":
			return &MinAggregation{Field: field}, nil
		case "max":
			return &MaxAggregation{Field: field}, nil
		}
		return &CardinalityAggregation{Field: field}, nil
	case "percentiles":
		if err := needField(); err != nil {
			return nil, err
		}
		p := &PercentilesAggregation{Field: field, Percents: defaultPercents, Keyed: true}
		if ps := v.Get("percents"); ps.IsArray() {
			p.Percents = nil
			for _, x := range ps.Array() {
				p.Percents = append(p.Percents, x.Float())
			}
		}
		if k := v.Get("keyed"); k.Exists() {
			p.Keyed = k.Bool()
		}
		return p, nil
	case "extended_stats":
		if err := needField(); err != nil {
			return nil, err
		}
		e := &ExtendedStatsAggregation{Field: field, Sigma: defaultSigma}
		if s := v.Get("sigma"); s.Exists() {
			e.Sigma = s.Float()
		}
		return e, nil
	case "top_hits":
		th := &TopHitsAggregation{Size: defaultTopHitsSize}
		if s := v.Get("size"); s.Exists() {
			th.Size = int(s.Int())
		}
		var err error
		if th.Sort, err = decodeSort(v.Get("sort")); err != nil {
			return nil, err
		}
		th.Fields = append(decodeFieldList(v.Get("docvalue_fields")), sourceFields(v.Get("_source"))...)
		if len(th.Fields) == 0 {
			return nil, illegal(typ, "docvalue_fields or _source is required")
		}
		return th, nil
	}
	return nil, illegal(typ, "unsupported aggregation")
}

func sourceFields(v gjson.Result) []string {
	switch {
	case v.Type == gjson.String:
		return []string{v.String()}
	case v.IsArray():
		return decodeFieldList(v)
	case v.IsObject():
		return decodeFieldList(v.Get("includes"))
	}
	return nil
}

func minDocCount(v gjson.Result) int {
	if m := v.Get("min_doc_count"); m.Exists() {
		return int(m.Int())
	}
	return defaultMinDocCount
}

func isCalendarInterval(s string) bool {
	switch s {
	case "minute", "1m", "hour", "1h", "day", "1d", "week", "1w", "month", "1M", "quarter", "1q", "year", "1y":
		return true
	}
	return false
}

// text renders a scalar as written; null and missing become "".
func text(v gjson.Result) string {
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

func firstOf(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// IsIllegal reports whether err stems from a malformed request.
func IsIllegal(err error) bool {
	return errors.Is(err, ErrIllegalClause) || errors.Is(err, ErrNilNode)
}
