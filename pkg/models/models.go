// Package models holds the Elasticsearch-compatible response documents the
// bridge produces.
package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

type Document map[string]any

// Response is one entry of a multi-search reply: a SearchResponse or an
// ErrorResponse.
type Response interface {
	StatusCode() int
}

type MultiSearchResponse struct {
	Took      int64      `json:"took"`
	Responses []Response `json:"responses"`
}

type SearchResponse struct {
	Took         int64                `json:"took"`
	TimedOut     bool                 `json:"timed_out"`
	Shards       Shards               `json:"_shards"`
	Hits         Hits                 `json:"hits"`
	Aggregations map[string]Aggregate `json:"aggregations,omitempty"`
	Status       int                  `json:"status"`
}

func (r *SearchResponse) StatusCode() int { return r.Status }

type Shards struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// SingleShard is reported for every search: the backend is one table.
var SingleShard = Shards{Total: 1, Successful: 1}

type Hits struct {
	Total    Total    `json:"total"`
	MaxScore *float64 `json:"max_score"`
	Hits     []Hit    `json:"hits"`
}

type Total struct {
	Value    int64  `json:"value"`
	Relation string `json:"relation"`
}

type Hit struct {
	Index     string              `json:"_index"`
	ID        string              `json:"_id"`
	Score     *float64            `json:"_score"`
	Source    Document            `json:"_source"`
	Highlight map[string][]string `json:"highlight,omitempty"`
	Sort      []any               `json:"sort,omitempty"`
	Fields    map[string][]any    `json:"fields,omitempty"`
}

type ErrorResponse struct {
	Error  ErrorCause `json:"error"`
	Status int        `json:"status"`
}

func (r *ErrorResponse) StatusCode() int { return r.Status }

type ErrorCause struct {
	RootCause []ErrorCause `json:"root_cause,omitempty"`
	Type      string       `json:"type"`
	Reason    string       `json:"reason"`
	Index     string       `json:"index,omitempty"`
}

// NewErrorResponse builds the envelope for a failed search.
func NewErrorResponse(typ, reason, index string, status int) *ErrorResponse {
	cause := ErrorCause{Type: typ, Reason: reason, Index: index}
	return &ErrorResponse{
		Error: ErrorCause{
			RootCause: []ErrorCause{cause},
			Type:      typ,
			Reason:    reason,
			Index:     index,
		},
		Status: status,
	}
}

// Decimal is a backend decimal value. A null decimal maps to NaN, which is
// written as the string "NaN" since JSON numbers cannot hold it.
type Decimal float64

func (d Decimal) MarshalJSON() ([]byte, error) {
	f := float64(d)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

type FieldCapsResponse struct {
	Indices []string                              `json:"indices"`
	Fields  map[string]map[string]FieldCapability `json:"fields"`
}

type FieldCapability struct {
	Type         string `json:"type"`
	Searchable   bool   `json:"searchable"`
	Aggregatable bool   `json:"aggregatable"`
}

// Info is the root endpoint document clients read the version from.
type Info struct {
	Name        string      `json:"name"`
	ClusterName string      `json:"cluster_name"`
	ClusterUUID string      `json:"cluster_uuid"`
	Version     InfoVersion `json:"version"`
	Tagline     string      `json:"tagline"`
}

type InfoVersion struct {
	Number                    string `json:"number"`
	BuildFlavor               string `json:"build_flavor"`
	LuceneVersion             string `json:"lucene_version"`
	MinimumWireCompatibility  string `json:"minimum_wire_compatibility_version"`
	MinimumIndexCompatibility string `json:"minimum_index_compatibility_version"`
}

type ClusterHealth struct {
	ClusterName         string `json:"cluster_name"`
	Status              string `json:"status"`
	NumberOfNodes       int    `json:"number_of_nodes"`
	NumberOfDataNodes   int    `json:"number_of_data_nodes"`
	ActivePrimaryShards int    `json:"active_primary_shards"`
	ActiveShards        int    `json:"active_shards"`
}

func marshalObject(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}

// object is a JSON object written in member order.
type object []member

type member struct {
	key   string
	value any
}

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
