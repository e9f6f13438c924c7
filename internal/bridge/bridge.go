// Package bridge answers Elasticsearch search requests from Kusto: it
// translates each request, executes the statement once and maps the result
// tables back into a search response.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/highlight"
	"kqlbridge/internal/journal"
	"kqlbridge/internal/kusto"
	"kqlbridge/internal/mapper"
	"kqlbridge/internal/metrics"
	"kqlbridge/pkg/models"
)

// maxLineSize bounds one line of a multi-search body.
const maxLineSize = 16 << 20

type Bridge struct {
	translator *Translator
	exec       kusto.Executor
	journal    *journal.Journal
	logger     *zap.Logger
}

// New builds a Bridge. The journal is optional.
func New(translator *Translator, exec kusto.Executor, j *journal.Journal, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{translator: translator, exec: exec, journal: j, logger: logger}
}

func (b *Bridge) Translator() *Translator { return b.translator }

// Search answers a single search against index. Failures come back as an
// error envelope rather than an error.
func (b *Bridge) Search(ctx context.Context, index string, body []byte) models.Response {
	req, err := dsl.DecodeBody(index, body)
	if err != nil {
		return b.fail(index, NewTranslateError("failed to decode request", err))
	}
	qd, err := b.translator.TranslateRequest(ctx, req)
	if err != nil {
		return b.fail(index, err)
	}
	resp, err := b.Run(ctx, qd)
	if err != nil {
		return b.fail(index, err)
	}
	return resp
}

// MultiSearch answers an NDJSON body of header/body line pairs. Headers
// without an index use defaultIndex. Every pair gets its own response, in
// order.
func (b *Bridge) MultiSearch(ctx context.Context, ndjson []byte, defaultIndex string) (*models.MultiSearchResponse, error) {
	start := time.Now()
	out := &models.MultiSearchResponse{Responses: []models.Response{}}

	scanner := bufio.NewScanner(bytes.NewReader(ndjson))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	next := func() ([]byte, bool) {
		for scanner.Scan() {
			if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
				return append([]byte(nil), line...), true
			}
		}
		return nil, false
	}

	for {
		header, ok := next()
		if !ok {
			break
		}
		body, ok := next()
		if !ok {
			return nil, fmt.Errorf("multi-search: header without a body")
		}

		index, err := dsl.DecodeIndex(header)
		if err != nil {
			if defaultIndex == "" {
				out.Responses = append(out.Responses, b.fail("", NewTranslateError("failed to decode header", err)))
				continue
			}
			index = defaultIndex
		}
		out.Responses = append(out.Responses, b.Search(ctx, index, body))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("multi-search: %w", err)
	}
	out.Took = time.Since(start).Milliseconds()
	return out, nil
}

// Run executes a translated request and maps its result.
func (b *Bridge) Run(ctx context.Context, qd *QueryData) (*models.SearchResponse, error) {
	res, took, err := b.execute(ctx, qd)
	if err != nil {
		return nil, err
	}

	var h *highlight.Highlighter
	if qd.Request.Highlight != nil && len(qd.Highlights) > 0 {
		if h, err = highlight.New(qd.Highlights, qd.PreTag, qd.PostTag); err != nil {
			return nil, NewParseError("failed to build highlighter", err)
		}
	}
	resp, err := mapper.MapResponse(res, qd.Request, h)
	if err != nil {
		return nil, NewParseError("failed to map response", err)
	}
	resp.Took = took.Milliseconds()
	metrics.CountRequest(string(PhaseParse), metrics.OutcomeOK)
	return resp, nil
}

// execute runs the statement once inside the query timer. A reference to a
// field the table lacks yields an empty result instead of a failure.
func (b *Bridge) execute(ctx context.Context, qd *QueryData) (*kusto.Result, time.Duration, error) {
	timer := metrics.StartTimer()
	res, err := b.exec.Execute(ctx, qd.Table.Database, qd.Query)

	var took time.Duration
	switch {
	case err == nil:
		took = timer.Stop(metrics.OutcomeOK)
	case kusto.IsUnresolvedField(err):
		took = timer.Stop(metrics.OutcomeEmpty)
		b.logger.Warn("query references an unknown field, returning no hits",
			zap.String("index", qd.Index), zap.Error(err))
		res, err = kusto.Empty(), nil
	default:
		took = timer.Stop(metrics.OutcomeFailure)
	}
	b.record(qd, took, err)

	if err != nil {
		return nil, took, NewQueryError("failed to execute query", err)
	}
	b.logger.Debug("executed query",
		zap.String("index", qd.Index),
		zap.Duration("took", took))
	return res, took, nil
}

func (b *Bridge) record(qd *QueryData, took time.Duration, err error) {
	if b.journal == nil {
		return
	}
	e := journal.Entry{
		Time:   time.Now().UTC(),
		Index:  qd.Index,
		Query:  qd.Query,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if jerr := b.journal.Append(e); jerr != nil {
		b.logger.Warn("failed to journal query", zap.Error(jerr))
	}
}

// fail logs err and renders it as an error envelope.
func (b *Bridge) fail(index string, err error) *models.ErrorResponse {
	var phase Phase
	typ := "exception"
	var pe *PhaseError
	if errors.As(err, &pe) {
		phase, typ = pe.Phase(), pe.Type()
	}
	fields := []zap.Field{zap.String("index", index), zap.String("phase", string(phase)), zap.Error(err)}
	if dsl.IsIllegal(err) {
		b.logger.Warn("search rejected", fields...)
		metrics.CountRequest(string(phase), metrics.OutcomeRejected)
	} else {
		b.logger.Error("search failed", fields...)
		metrics.CountRequest(string(phase), metrics.OutcomeFailure)
	}
	return models.NewErrorResponse(typ, err.Error(), index, http.StatusInternalServerError)
}

// FieldCaps lists the fields of index with their Elasticsearch types.
func (b *Bridge) FieldCaps(ctx context.Context, index string) (*models.FieldCapsResponse, error) {
	caps, err := b.translator.Retriever(index).FieldCaps(ctx)
	if err != nil {
		return nil, NewQueryError("failed to fetch schema", err)
	}
	out := &models.FieldCapsResponse{
		Indices: []string{index},
		Fields:  make(map[string]map[string]models.FieldCapability, len(caps)),
	}
	for _, c := range caps {
		out.Fields[c.Name] = map[string]models.FieldCapability{
			c.Type: {Type: c.Type, Searchable: c.Searchable, Aggregatable: c.Aggregatable},
		}
	}
	return out, nil
}
