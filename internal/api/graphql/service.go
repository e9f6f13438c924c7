// Package graphql serves an explorer for the translation: it shows the
// statement a search body compiles to and the fields an index exposes.
package graphql

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"

	"kqlbridge/internal/bridge"
)

type Service struct {
	bridge *bridge.Bridge
	schema graphql.Schema
}

func NewService(b *bridge.Bridge) (*Service, error) {
	s := &Service{bridge: b}
	schema, err := s.buildSchema()
	if err != nil {
		return nil, err
	}
	s.schema = schema
	return s, nil
}

var highlightType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Highlight",
	Fields: graphql.Fields{
		"field":  &graphql.Field{Type: graphql.String},
		"phrase": &graphql.Field{Type: graphql.String},
	},
})

var aggregationType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Aggregation",
	Fields: graphql.Fields{
		"name":  &graphql.Field{Type: graphql.String},
		"type":  &graphql.Field{Type: graphql.String},
		"keyed": &graphql.Field{Type: graphql.Boolean},
	},
})

var translationType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Translation",
	Fields: graphql.Fields{
		"query":       &graphql.Field{Type: graphql.String},
		"database":    &graphql.Field{Type: graphql.String},
		"table":       &graphql.Field{Type: graphql.String},
		"from":        &graphql.Field{Type: graphql.Int},
		"size":        &graphql.Field{Type: graphql.Int},
		"highlights":  &graphql.Field{Type: graphql.NewList(highlightType)},
		"aggregation": &graphql.Field{Type: aggregationType},
	},
})

var fieldType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Field",
	Fields: graphql.Fields{
		"name":         &graphql.Field{Type: graphql.String},
		"type":         &graphql.Field{Type: graphql.String},
		"searchable":   &graphql.Field{Type: graphql.Boolean},
		"aggregatable": &graphql.Field{Type: graphql.Boolean},
	},
})

func (s *Service) buildSchema() (graphql.Schema, error) {
	indexArg := &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)}
	bodyArg := &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)}

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"translate": &graphql.Field{
				Type: translationType,
				Args: graphql.FieldConfigArgument{"index": indexArg, "body": bodyArg},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					index := p.Args["index"].(string)
					body := p.Args["body"].(string)
					header, _ := json.Marshal(map[string]string{"index": index})
					qd, err := s.bridge.Translator().Translate(p.Context, header, []byte(body))
					if err != nil {
						return nil, err
					}
					return translation(qd), nil
				},
			},
			"fields": &graphql.Field{
				Type: graphql.NewList(fieldType),
				Args: graphql.FieldConfigArgument{"index": indexArg},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					index := p.Args["index"].(string)
					caps, err := s.bridge.Translator().Retriever(index).FieldCaps(p.Context)
					if err != nil {
						return nil, err
					}
					out := make([]map[string]interface{}, 0, len(caps))
					for _, c := range caps {
						out = append(out, map[string]interface{}{
							"name":         c.Name,
							"type":         c.Type,
							"searchable":   c.Searchable,
							"aggregatable": c.Aggregatable,
						})
					}
					return out, nil
				},
			},
			"search": &graphql.Field{
				Type:        graphql.String,
				Description: "Runs the search and returns the response document as JSON.",
				Args:        graphql.FieldConfigArgument{"index": indexArg, "body": bodyArg},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					resp := s.bridge.Search(p.Context, p.Args["index"].(string), []byte(p.Args["body"].(string)))
					out, err := json.Marshal(resp)
					if err != nil {
						return nil, err
					}
					return string(out), nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
}

func translation(qd *bridge.QueryData) map[string]interface{} {
	fields := make([]string, 0, len(qd.Highlights))
	for f := range qd.Highlights {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	highlights := make([]map[string]interface{}, 0, len(fields))
	for _, f := range fields {
		highlights = append(highlights, map[string]interface{}{"field": f, "phrase": qd.Highlights[f]})
	}

	out := map[string]interface{}{
		"query":      qd.Query,
		"database":   qd.Table.Database,
		"table":      qd.Table.Name,
		"from":       qd.From,
		"size":       qd.Size,
		"highlights": highlights,
	}
	if qd.Primary != nil {
		out["aggregation"] = map[string]interface{}{
			"name":  qd.Primary.Name,
			"type":  qd.Primary.Type,
			"keyed": qd.Primary.Keyed,
		}
	}
	return out
}

func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Query         string                 `json:"query"`
			OperationName string                 `json:"operationName"`
			Variables     map[string]interface{} `json:"variables"`
		}
		if err := c.BindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result := graphql.Do(graphql.Params{
			Schema:         s.schema,
			RequestString:  request.Query,
			VariableValues: request.Variables,
			OperationName:  request.OperationName,
			Context:        c.Request.Context(),
		})
		c.JSON(http.StatusOK, result)
	}
}
