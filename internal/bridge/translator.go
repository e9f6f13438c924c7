package bridge

import (
	"context"

	"go.uber.org/zap"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/kql"
	"kqlbridge/internal/schema"
)

// PrimaryAggregation tags the top-level aggregation a response is rebuilt
// around.
type PrimaryAggregation struct {
	Name  string
	Type  string
	Keyed bool
}

// QueryData is a translated request, ready to execute.
type QueryData struct {
	Query          string
	Index          string
	Table          schema.Table
	Highlights     map[string]string
	Sort           []dsl.SortField
	DocValueFields []string
	Primary        *PrimaryAggregation
	PreTag         string
	PostTag        string
	From           int
	Size           int
	Request        *dsl.Request
}

// Translator compiles search requests. Each request gets its own schema
// retriever.
type Translator struct {
	fetcher  schema.Fetcher
	database string
	opts     kql.Options
	logger   *zap.Logger
}

func NewTranslator(fetcher schema.Fetcher, database string, opts kql.Options, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{fetcher: fetcher, database: database, opts: opts, logger: logger}
}

// Table resolves an index name against the default database.
func (t *Translator) Table(index string) schema.Table {
	return schema.ParseIndex(index, t.database)
}

// Retriever returns a fresh schema retriever for index.
func (t *Translator) Retriever(index string) *schema.Retriever {
	return schema.NewRetriever(t.fetcher, t.Table(index))
}

// Translate compiles one multi-search header/body pair.
func (t *Translator) Translate(ctx context.Context, header, body []byte) (*QueryData, error) {
	req, err := dsl.Decode(header, body)
	if err != nil {
		return nil, NewTranslateError("failed to decode request", err)
	}
	return t.TranslateRequest(ctx, req)
}

// TranslateRequest compiles a decoded request.
func (t *Translator) TranslateRequest(ctx context.Context, req *dsl.Request) (*QueryData, error) {
	if req == nil {
		return nil, NewTranslateError("failed to translate request", dsl.ErrNilNode)
	}
	table := t.Table(req.Index)
	stmt, err := kql.Translate(ctx, req, table, t.Retriever(req.Index), t.opts)
	if err != nil {
		return nil, NewTranslateError("failed to translate request", err)
	}

	qd := &QueryData{
		Query:          stmt.Text,
		Index:          req.Index,
		Table:          table,
		Highlights:     stmt.Highlights,
		Sort:           req.Sort,
		DocValueFields: req.DocValueFields,
		Primary:        primary(req.Aggs),
		From:           req.From,
		Size:           req.Size,
		Request:        req,
	}
	if req.Highlight != nil {
		qd.PreTag, qd.PostTag = req.Highlight.PreTag, req.Highlight.PostTag
	}
	t.logger.Debug("translated request",
		zap.String("index", req.Index),
		zap.String("table", table.String()),
		zap.String("query", stmt.Text))
	return qd, nil
}

func primary(aggs []*dsl.Aggregation) *PrimaryAggregation {
	if len(aggs) == 0 || aggs[0] == nil || aggs[0].Primary == nil {
		return nil
	}
	a := aggs[0]
	p := &PrimaryAggregation{Name: a.Name, Type: a.Primary.Type()}
	switch agg := a.Primary.(type) {
	case *dsl.RangeAggregation:
		p.Keyed = agg.Keyed
	case *dsl.DateRangeAggregation:
		p.Keyed = agg.Keyed
	case *dsl.PercentilesAggregation:
		p.Keyed = agg.Keyed
	case *dsl.FiltersAggregation:
		p.Keyed = true
	}
	return p
}
