package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kqlbridge/internal/bridge"
	"kqlbridge/internal/kql"
	"kqlbridge/internal/kusto"
	"kqlbridge/internal/schema"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string, string) (*kusto.Result, error) {
	return kusto.Empty(), nil
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fields := schema.StaticFetcher{"message": "string", "bytes": "long"}
	b := bridge.New(bridge.NewTranslator(fields, "db", kql.Options{}, nil), nopExecutor{}, nil, nil)
	s, err := NewService(b)
	require.NoError(t, err)
	r := gin.New()
	r.POST("/graphql", s.Handler())
	return r
}

type gqlResponse struct {
	Data   map[string]any   `json:"data"`
	Errors []map[string]any `json:"errors"`
}

func query(t *testing.T, r http.Handler, q string, vars map[string]any) gqlResponse {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"query": q, "variables": vars})
	req, _ := http.NewRequest("POST", "/graphql", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out gqlResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTranslate(t *testing.T) {
	r := newRouter(t)
	body := `{"query":{"bool":{"must":[{"query_string":{"query":"error"}}],"filter":[]}},
		"aggs":{"hosts":{"terms":{"field":"message"}}}}`
	out := query(t, r, `query($index: String!, $body: String!) {
		translate(index: $index, body: $body) {
			query table database highlights { field phrase } aggregation { name type }
		}}`, map[string]any{"index": "logs", "body": body})
	require.Empty(t, out.Errors)

	tr := out.Data["translate"].(map[string]any)
	assert.Equal(t, "logs", tr["table"])
	assert.Equal(t, "db", tr["database"])
	assert.Contains(t, tr["query"], "as hits")
	assert.Equal(t, []any{map[string]any{"field": "*", "phrase": "error"}}, tr["highlights"])
	assert.Equal(t, map[string]any{"name": "hosts", "type": "terms"}, tr["aggregation"])
}

func TestTranslateError(t *testing.T) {
	out := query(t, newRouter(t), `{ translate(index: "logs", body: "{}") { query } }`, nil)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0]["message"], "failed to decode request")
}

func TestFields(t *testing.T) {
	out := query(t, newRouter(t), `{ fields(index: "logs") { name type } }`, nil)
	require.Empty(t, out.Errors)
	assert.Equal(t, []any{
		map[string]any{"name": "bytes", "type": "long"},
		map[string]any{"name": "message", "type": "keyword"},
	}, out.Data["fields"])
}

func TestSearch(t *testing.T) {
	out := query(t, newRouter(t), `{ search(index: "logs", body: "{\"query\":{\"bool\":{\"must\":[],\"filter\":[]}}}") }`, nil)
	require.Empty(t, out.Errors)
	assert.Contains(t, out.Data["search"], `"hits":[]`)
}
