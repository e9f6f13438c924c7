package mapper

import (
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/highlight"
	"kqlbridge/internal/kusto"
	"kqlbridge/pkg/models"
)

// IDColumn carries the document id when the table has one.
const IDColumn = "_id"

// MapHits converts hit rows. The first req.From rows only served paging and
// are dropped. Rows without an id get a random one.
func MapHits(table *kusto.Table, req *dsl.Request, h *highlight.Highlighter) ([]models.Hit, error) {
	hits := make([]models.Hit, 0)
	if table == nil {
		return hits, nil
	}
	sortFields := lo.Filter(req.Sort, func(s dsl.SortField, _ int) bool {
		return s.Field != "" && s.Field != "_score" && s.Field != "_doc"
	})

	for i, row := range table.Rows {
		if i < req.From {
			continue
		}
		source := make(models.Document, len(table.Columns))
		for c, col := range table.Columns {
			if c >= len(row) {
				break
			}
			v, err := Convert(col.Type, row[c])
			if err != nil {
				return nil, err
			}
			source[col.Name] = v
		}

		hit := models.Hit{Index: req.Index, Source: source}
		if id, ok := source[IDColumn].(string); ok && id != "" {
			hit.ID = id
		} else {
			hit.ID = uuid.NewString()
		}
		delete(source, IDColumn)

		for _, s := range sortFields {
			hit.Sort = append(hit.Sort, sortValue(table, row, s.Field, source))
		}
		if len(req.DocValueFields) > 0 {
			hit.Fields = make(map[string][]any, len(req.DocValueFields))
			for _, f := range req.DocValueFields {
				if v, ok := lookup(source, f); ok && v != nil {
					hit.Fields[f] = []any{v}
				}
			}
		}
		if h != nil {
			hit.Highlight = h.Source(source)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// sortValue renders datetimes as epoch milliseconds, like Elasticsearch
// does for date sort keys.
func sortValue(table *kusto.Table, row []any, field string, source models.Document) any {
	if c := table.ColumnIndex(field); c >= 0 && c < len(row) && kusto.NormalizeType(table.Columns[c].Type) == "datetime" {
		if t, ok, _ := parseTime(row[c]); ok {
			return t.UnixMilli()
		}
		return nil
	}
	v, _ := lookup(source, field)
	return v
}

// lookup resolves a column name or a dotted path into a dynamic column.
func lookup(source models.Document, field string) (any, bool) {
	if v, ok := source[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	for i := len(parts) - 1; i >= 1; i-- {
		root, ok := source[strings.Join(parts[:i], ".")]
		if !ok {
			continue
		}
		cur := root
		for _, p := range parts[i:] {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			if cur, ok = m[p]; !ok {
				return nil, false
			}
		}
		return cur, true
	}
	return nil, false
}
