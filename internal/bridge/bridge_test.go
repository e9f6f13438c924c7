package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/journal"
	"kqlbridge/internal/kql"
	"kqlbridge/internal/kusto"
	"kqlbridge/internal/schema"
	"kqlbridge/pkg/models"
)

type fakeExecutor struct {
	mu      sync.Mutex
	result  *kusto.Result
	err     error
	queries []string
	dbs     []string
}

func (f *fakeExecutor) Execute(_ context.Context, database, query string) (*kusto.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs = append(f.dbs, database)
	f.queries = append(f.queries, query)
	return f.result, f.err
}

var testSchema = schema.StaticFetcher{
	"timestamp": "date",
	"message":   "keyword",
	"bytes":     "long",
	"_id":       "keyword",
}

func logsResult() *kusto.Result {
	return &kusto.Result{Tables: []*kusto.Table{
		{
			Name:    kql.TableHitsTotal,
			Columns: []kusto.Column{{Name: kql.CountColumn, Type: "long"}},
			Rows:    [][]any{{json.Number("1")}},
		},
		{
			Name: kql.TableHits,
			Columns: []kusto.Column{
				{Name: "_id", Type: "string"},
				{Name: "message", Type: "string"},
				{Name: "bytes", Type: "long"},
			},
			Rows: [][]any{{"a1", "disk error", json.Number("12")}},
		},
	}}
}

func newTestBridge(exec kusto.Executor, j *journal.Journal) *Bridge {
	return New(NewTranslator(testSchema, "db", kql.Options{MaxHits: 100}, nil), exec, j, nil)
}

const matchAll = `{"query":{"bool":{"must":[],"filter":[]}}}`

func TestSearch(t *testing.T) {
	exec := &fakeExecutor{result: logsResult()}
	b := newTestBridge(exec, nil)

	body := `{"query":{"bool":{"must":[{"query_string":{"query":"error"}}],"filter":[]}},
		"highlight":{"pre_tags":["<b>"],"post_tags":["</b>"],"fields":{"*":{}}}}`
	resp := b.Search(context.Background(), "logs", []byte(body))
	sr, ok := resp.(*models.SearchResponse)
	require.True(t, ok, "got %#v", resp)

	require.Len(t, exec.queries, 1)
	assert.Equal(t, []string{"db"}, exec.dbs)
	assert.Contains(t, exec.queries[0], `database("db").['logs']`)
	assert.Contains(t, exec.queries[0], `* has "error"`)

	assert.Equal(t, 200, sr.StatusCode())
	assert.Equal(t, int64(1), sr.Hits.Total.Value)
	require.Len(t, sr.Hits.Hits, 1)
	hit := sr.Hits.Hits[0]
	assert.Equal(t, "a1", hit.ID)
	assert.Equal(t, "logs", hit.Index)
	assert.Equal(t, models.Document{"message": "disk error", "bytes": int64(12)}, hit.Source)
	assert.Equal(t, map[string][]string{"message": {"disk <b>error</b>"}}, hit.Highlight)
}

func TestSearchUnknownFieldIsEmpty(t *testing.T) {
	exec := &fakeExecutor{err: &kusto.Error{
		StatusCode: 400,
		Code:       "General_BadRequest",
		Message:    "Semantic error: 'where' operator: Failed to resolve scalar expression named 'nope'",
	}}
	b := newTestBridge(exec, nil)

	resp := b.Search(context.Background(), "logs", []byte(matchAll))
	sr, ok := resp.(*models.SearchResponse)
	require.True(t, ok)
	assert.Zero(t, sr.Hits.Total.Value)
	assert.Empty(t, sr.Hits.Hits)
}

func TestSearchFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		typ  string
	}{
		{"backend failure", &kusto.Error{StatusCode: 500, Message: "cluster unavailable"}, matchAll, "query_exception"},
		{"missing filter", nil, `{"query":{"bool":{"must":[]}}}`, "translate_exception"},
		{"unknown clause", nil, `{"query":{"bool":{"must":[{"fuzzy":{"a":"b"}}],"filter":[]}}}`, "translate_exception"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(&fakeExecutor{result: logsResult(), err: tt.err}, nil)
			resp := b.Search(context.Background(), "logs", []byte(tt.body))
			er, ok := resp.(*models.ErrorResponse)
			require.True(t, ok, "got %#v", resp)
			assert.Equal(t, 500, er.StatusCode())
			assert.Equal(t, tt.typ, er.Error.Type)
			assert.Equal(t, "logs", er.Error.Index)
			require.Len(t, er.Error.RootCause, 1)
			assert.Equal(t, tt.typ, er.Error.RootCause[0].Type)
		})
	}
}

func TestSearchRejectsMalformedRequests(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exec := &fakeExecutor{result: logsResult(), err: &kusto.Error{StatusCode: 500, Message: "cluster unavailable"}}
	b := New(NewTranslator(testSchema, "db", kql.Options{MaxHits: 100}, nil), exec, nil, zap.New(core))

	resp := b.Search(context.Background(), "logs", []byte(`{"query":{"bool":{"must":[{"exists":{}}],"filter":[]}}}`))
	er, ok := resp.(*models.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, 500, er.StatusCode())
	assert.Equal(t, "translate_exception", er.Error.Type)

	rejected := logs.FilterMessage("search rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, zapcore.WarnLevel, rejected[0].Level)
	assert.Equal(t, "translate", rejected[0].ContextMap()["phase"])
	assert.Empty(t, exec.queries)

	// backend failures stay errors
	b.Search(context.Background(), "logs", []byte(matchAll))
	failed := logs.FilterMessage("search failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	assert.Equal(t, "query", failed[0].ContextMap()["phase"])
}

func TestMultiSearch(t *testing.T) {
	exec := &fakeExecutor{result: logsResult()}
	b := newTestBridge(exec, nil)

	ndjson := `{"index":"logs"}
` + matchAll + `

{}
` + matchAll + `
{"index":"db2:events"}
{"query":{"bool":{"must":[]}}}
`
	out, err := b.MultiSearch(context.Background(), []byte(ndjson), "fallback")
	require.NoError(t, err)
	require.Len(t, out.Responses, 3)

	assert.IsType(t, &models.SearchResponse{}, out.Responses[0])
	assert.IsType(t, &models.SearchResponse{}, out.Responses[1])
	assert.IsType(t, &models.ErrorResponse{}, out.Responses[2])

	require.Len(t, exec.queries, 2)
	assert.Contains(t, exec.queries[1], `database("db").['fallback']`)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"responses":[`)
}

func TestMultiSearchDanglingHeader(t *testing.T) {
	b := newTestBridge(&fakeExecutor{result: logsResult()}, nil)
	_, err := b.MultiSearch(context.Background(), []byte(`{"index":"logs"}`), "")
	assert.Error(t, err)
}

func TestMultiSearchMissingIndex(t *testing.T) {
	b := newTestBridge(&fakeExecutor{result: logsResult()}, nil)
	out, err := b.MultiSearch(context.Background(), []byte("{}\n"+matchAll+"\n"), "")
	require.NoError(t, err)
	require.Len(t, out.Responses, 1)
	er, ok := out.Responses[0].(*models.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "translate_exception", er.Error.Type)
}

func TestSearchJournal(t *testing.T) {
	j, err := journal.Open(t.TempDir(), false)
	require.NoError(t, err)
	defer j.Close()

	b := newTestBridge(&fakeExecutor{result: logsResult()}, j)
	b.Search(context.Background(), "logs", []byte(matchAll))

	var entries []journal.Entry
	require.NoError(t, j.Replay(func(_ uint64, e journal.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, "logs", entries[0].Index)
	assert.Contains(t, entries[0].Query, "as hitsTotal")
	assert.Empty(t, entries[0].Error)
}

func TestTranslate(t *testing.T) {
	tr := NewTranslator(testSchema, "db", kql.Options{}, nil)
	body := `{"from":5,"size":20,"sort":[{"timestamp":{"order":"desc"}}],
		"aggs":{"sizes":{"range":{"field":"bytes","keyed":true,"ranges":[{"to":10}]}}},
		"query":{"bool":{"must":[],"filter":[]}}}`
	qd, err := tr.Translate(context.Background(), []byte(`{"index":"other:logs"}`), []byte(body))
	require.NoError(t, err)

	assert.Equal(t, schema.Table{Database: "other", Name: "logs"}, qd.Table)
	assert.Equal(t, 5, qd.From)
	assert.Equal(t, 20, qd.Size)
	assert.Equal(t, []dsl.SortField{{Field: "timestamp", Desc: true}}, qd.Sort)
	assert.Equal(t, &PrimaryAggregation{Name: "sizes", Type: "range", Keyed: true}, qd.Primary)
	assert.Contains(t, qd.Query, "limit 25")

	_, err = tr.Translate(context.Background(), []byte(`{}`), []byte(body))
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseTranslate, pe.Phase())
	assert.ErrorIs(t, err, dsl.ErrIllegalClause)
}

func TestPhaseError(t *testing.T) {
	inner := errors.New("boom")
	err := NewParseError("failed to map response", inner)
	assert.Equal(t, "parse_exception", err.Type())
	assert.Equal(t, "failed to map response: boom", err.Error())
	assert.ErrorIs(t, err, inner)

	assert.Panics(t, func() { NewQueryError("no cause", nil) })
}

func TestFieldCaps(t *testing.T) {
	b := newTestBridge(&fakeExecutor{}, nil)
	caps, err := b.FieldCaps(context.Background(), "logs")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs"}, caps.Indices)
	assert.Equal(t, models.FieldCapability{Type: "long", Searchable: true, Aggregatable: true}, caps.Fields["bytes"]["long"])
	assert.NotContains(t, caps.Fields, "_id")
	assert.Len(t, caps.Fields, 3)
}
