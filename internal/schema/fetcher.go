package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"kqlbridge/internal/kql/syntax"
	"kqlbridge/internal/kusto"
)

// Fetcher loads the flattened field name to Elasticsearch type map of a
// table.
type Fetcher interface {
	FetchSchema(ctx context.Context, table Table) (map[string]string, error)
}

// DefaultSampleSize is the number of rows buildschema() samples to discover
// the paths below dynamic columns.
const DefaultSampleSize = 1000

// KustoFetcher reads table schemas from the backend.
type KustoFetcher struct {
	exec       kusto.Executor
	sampleSize int
	logger     *zap.Logger
}

func NewKustoFetcher(exec kusto.Executor, logger *zap.Logger) *KustoFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KustoFetcher{exec: exec, sampleSize: DefaultSampleSize, logger: logger}
}

func (f *KustoFetcher) FetchSchema(ctx context.Context, table Table) (map[string]string, error) {
	query := table.Expr() + " | getschema | project ColumnName, ColumnType"
	res, err := f.exec.Execute(ctx, table.Database, query)
	if err != nil {
		return nil, fmt.Errorf("get schema of %s: %w", table, err)
	}

	fields := make(map[string]string)
	var dynamic []string
	for _, row := range primary(res).Rows {
		if len(row) < 2 {
			continue
		}
		name := fmt.Sprint(row[0])
		typ := kusto.NormalizeType(fmt.Sprint(row[1]))
		fields[name] = ESType(typ)
		if typ == "dynamic" {
			dynamic = append(dynamic, name)
		}
	}
	if len(dynamic) == 0 {
		return fields, nil
	}

	columns := lo.Map(dynamic, func(c string, _ int) string {
		id := syntax.Identifier(c)
		return id + "=" + syntax.Call("buildschema", id)
	})
	query = fmt.Sprintf("%s | take %d | summarize %s", table.Expr(), f.sampleSize, strings.Join(columns, ", "))
	res, err = f.exec.Execute(ctx, table.Database, query)
	if err != nil {
		return nil, fmt.Errorf("sample dynamic columns of %s: %w", table, err)
	}
	tbl := primary(res)
	if len(tbl.Rows) == 0 {
		return fields, nil
	}
	for i, col := range tbl.Columns {
		if i >= len(tbl.Rows[0]) {
			break
		}
		v := tbl.Rows[0][i]
		if s, ok := v.(string); ok {
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				f.logger.Warn("unreadable buildschema output", zap.String("column", col.Name), zap.Error(err))
				continue
			}
		}
		sub := make(map[string]string)
		flattenBuildSchema(col.Name, v, sub)
		delete(sub, col.Name)
		maps.Copy(fields, sub)
	}
	f.logger.Debug("schema fetched", zap.Stringer("table", table), zap.Int("fields", len(fields)))
	return fields, nil
}

func primary(res *kusto.Result) *kusto.Table {
	if res == nil || len(res.Tables) == 0 {
		return &kusto.Table{}
	}
	return res.Tables[0]
}

// StaticFetcher serves the same schema for every table. Types may be given
// as Kusto or Elasticsearch type names.
type StaticFetcher map[string]string

// LoadStaticFetcher reads a JSON object of field name to type.
func LoadStaticFetcher(path string) (StaticFetcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	return StaticFetcher(raw), nil
}

func (s StaticFetcher) FetchSchema(_ context.Context, _ Table) (map[string]string, error) {
	fields := make(map[string]string, len(s))
	for k, v := range s {
		fields[k] = ESType(v)
	}
	return fields, nil
}
