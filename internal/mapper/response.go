package mapper

import (
	"fmt"

	"kqlbridge/internal/dsl"
	"kqlbridge/internal/highlight"
	"kqlbridge/internal/kql"
	"kqlbridge/internal/kusto"
	"kqlbridge/pkg/models"
)

// MapResponse builds a search response from the hitsTotal, hits and aggs
// tables of one translated statement. Missing tables map to an empty
// response.
func MapResponse(res *kusto.Result, req *dsl.Request, h *highlight.Highlighter) (*models.SearchResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("map response: %w", dsl.ErrNilNode)
	}
	out := &models.SearchResponse{
		Shards: models.SingleShard,
		Hits: models.Hits{
			Total: models.Total{Relation: "eq"},
			Hits:  []models.Hit{},
		},
		Status: 200,
	}

	if t := res.Table(kql.TableHitsTotal); t != nil && len(t.Rows) > 0 && len(t.Rows[0]) > 0 {
		n, ok := toInt(t.Rows[0][0])
		if !ok {
			return nil, fmt.Errorf("map response: hits total %v is not a number", t.Rows[0][0])
		}
		out.Hits.Total.Value = n
	}

	hits, err := MapHits(res.Table(kql.TableHits), req, h)
	if err != nil {
		return nil, fmt.Errorf("map response: hits: %w", err)
	}
	out.Hits.Hits = hits

	if len(req.Aggs) > 0 {
		aggs, err := ParseAggregations(res.Table(kql.TableAggs), req.Aggs)
		if err != nil {
			return nil, fmt.Errorf("map response: %w", err)
		}
		out.Aggregations = aggs
	}
	return out, nil
}
