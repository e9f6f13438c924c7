package querystring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kqlbridge/internal/schema"
)

func testFields() *schema.Retriever {
	return schema.NewRetriever(schema.StaticFetcher{
		"message":    "string",
		"status":     "long",
		"ok":         "bool",
		"timestamp":  "datetime",
		"props":      "dynamic",
		"props.a":    "string",
		"props.b":    "string",
		"props.code": "int",
	}, schema.Table{Database: "db", Name: "logs"})
}

func TestParse(t *testing.T) {
	tests := []struct {
		phrase string
		opts   Options
		want   string
	}{
		{"a", Options{}, "a"},
		{"a b", Options{}, "(a OR b)"},
		{"a b", Options{DefaultOperator: "AND"}, "(a AND b)"},
		{"a AND b OR c", Options{}, "((a AND b) OR c)"},
		{"a OR b AND c", Options{}, "(a OR (b AND c))"},
		{"NOT a AND b", Options{}, "(NOT a AND b)"},
		{"a AND (b OR c)", Options{}, "(a AND (b OR c))"},
		{`message:"hello world"`, Options{}, `message:"hello world"`},
		{"status:(200 OR 404)", Options{}, "(status:200 OR status:404)"},
		{"time:12:30", Options{}, "time:12:30"},
		{"a", Options{DefaultField: "message"}, "message:a"},
		{"a", Options{DefaultField: "*"}, "a"},
		{`a\:b`, Options{}, "a:b"},
		{"and", Options{}, "and"},
		{"bytes:>100", Options{}, "bytes:{100 TO *}"},
		{"bytes:<=5", Options{}, "bytes:{* TO 5]"},
		{"bytes:[1 TO 5}", Options{}, "bytes:[1 TO 5}"},
		{"bytes:(>500 OR <100)", Options{}, "(bytes:{500 TO *} OR bytes:{* TO 100})"},
	}
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			n, err := Parse(tt.phrase, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, phrase := range []string{`"unterminated`, "(a OR b", "a AND", "", "a)", "field:", "bytes:[1 TO", "bytes:[1 5]", "bytes:>"} {
		t.Run(phrase, func(t *testing.T) {
			_, err := Parse(phrase, Options{})
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestParseUnescapes(t *testing.T) {
	n, err := Parse(`"say \"hi\"" \{x\} a\\b`, Options{})
	require.NoError(t, err)
	terms := Terms(n)
	require.Len(t, terms, 3)
	assert.Equal(t, `say "hi"`, terms[0].Value)
	assert.Equal(t, `{x}`, terms[1].Value)
	assert.Equal(t, `a\b`, terms[2].Value)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		phrase string
		opts   Options
		want   string
	}{
		{"bare term", "error", Options{}, `* has "error"`},
		{"phrase", `"disk full"`, Options{}, `* contains "disk full"`},
		{"wildcard", "TEST*RESULT", Options{AnalyzeWildcard: true}, `* matches regex "TEST(.)*RESULT"`},
		{"wildcard disabled", "TEST*RESULT", Options{}, `* has "TEST*RESULT"`},
		{"single char wildcard", "a?c", Options{AnalyzeWildcard: true}, `* matches regex "a(.)c"`},
		{"match all", "*", Options{AnalyzeWildcard: true}, "true"},
		{"numeric field", "status:404", Options{}, `['status'] == 404`},
		{"boolean field", "ok:TRUE", Options{}, `['ok'] == true`},
		{"date field", "timestamp:2020-01-01", Options{}, `['timestamp'] == todatetime("2020-01-01")`},
		{"string field", "message:timeout", Options{}, `['message'] has "timeout"`},
		{"string exists", "message:*", Options{}, `isnotempty(['message'])`},
		{"dynamic field", "props.code:7", Options{}, `todouble(['props']['code']) == 7`},
		{"negation", "NOT error", Options{}, `not(* has "error")`},
		{"or", "a OR b", Options{}, `(* has "a") or (* has "b")`},
		{"escaped quote", `"a \"b\""`, Options{}, `* contains "a \"b\""`},
		{"greater than", "status:>100", Options{}, `['status'] > 100`},
		{"at least", "status:>=100", Options{}, `['status'] >= 100`},
		{"less than", "status:<5", Options{}, `['status'] < 5`},
		{"dynamic at most", "props.code:<=7", Options{}, `todouble(['props']['code']) <= 7`},
		{"inclusive range", "status:[1 TO 5]", Options{}, `['status'] >= 1 and ['status'] <= 5`},
		{"exclusive range", "status:{1 TO 5}", Options{}, `['status'] > 1 and ['status'] < 5`},
		{"open range", "status:[100 TO *]", Options{}, `['status'] >= 100`},
		{"date math range", "timestamp:[now-1d TO now]", Options{}, `['timestamp'] >= datetime_add('day', -1, now()) and ['timestamp'] <= now()`},
		{"date range", "timestamp:>2020-01-01", Options{}, `['timestamp'] > todatetime("2020-01-01")`},
		{"comparisons in a group", "status:(>500 OR <100)", Options{}, `(['status'] > 500) or (['status'] < 100)`},
		{"bare comparison is text", ">100", Options{}, `* has ">100"`},
		{
			"dynamic terms ordered by path",
			"props.b:x AND message:y AND props.a:z",
			Options{},
			`(tostring(['props']['a']) has "z") and (['message'] has "y") and (tostring(['props']['b']) has "x")`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.phrase, tt.opts)
			require.NoError(t, err)
			got, err := Render(context.Background(), n, testFields())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderRejectsNonNumericValue(t *testing.T) {
	n, err := Parse("status:abc", Options{})
	require.NoError(t, err)
	_, err = Render(context.Background(), n, testFields())
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestRenderRejectsStringRange(t *testing.T) {
	n, err := Parse("message:[a TO b]", Options{})
	require.NoError(t, err)
	_, err = Render(context.Background(), n, testFields())
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestTermsSkipsNegated(t *testing.T) {
	n, err := Parse(`a AND NOT b OR message:"c d"`, Options{})
	require.NoError(t, err)
	terms := Terms(n)
	require.Len(t, terms, 2)
	assert.Equal(t, "a", terms[0].Value)
	assert.Equal(t, "message", terms[1].Field)
	assert.True(t, terms[1].Phrase)
}
