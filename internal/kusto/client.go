// Package kusto executes KQL against an Azure Data Explorer cluster through
// its REST query endpoint and exposes the results as plain tables.
package kusto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Executor runs a query and returns its tables.
type Executor interface {
	Execute(ctx context.Context, database, query string) (*Result, error)
}

// Config configures a Client.
type Config struct {
	ClusterURL   string
	TenantID     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client is an Executor over the Kusto REST v1 query API.
type Client struct {
	http   *resty.Client
	tokens oauth2.TokenSource
	logger *zap.Logger
}

const queryPath = "/v1/rest/query"

// NewClient builds a Client. Without a client id requests are sent
// unauthenticated, which suits the local Kusto emulator.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ClusterURL == "" {
		return nil, fmt.Errorf("kusto: cluster url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cluster := strings.TrimRight(cfg.ClusterURL, "/")

	c := &Client{
		http: resty.New().
			SetBaseURL(cluster).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json").
			SetHeader("x-ms-app", "kqlbridge"),
		logger: logger,
	}
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     "https://login.microsoftonline.com/" + cfg.TenantID + "/oauth2/v2.0/token",
			Scopes:       []string{cluster + "/.default"},
		}
		c.tokens = cc.TokenSource(context.Background())
	}
	return c, nil
}

type queryRequest struct {
	DB  string `json:"db"`
	CSL string `json:"csl"`
}

type v1Response struct {
	Tables []v1Table `json:"Tables"`
}

type v1Table struct {
	TableName string     `json:"TableName"`
	Columns   []v1Column `json:"Columns"`
	Rows      [][]any    `json:"Rows"`
}

type v1Column struct {
	ColumnName string `json:"ColumnName"`
	DataType   string `json:"DataType"`
	ColumnType string `json:"ColumnType"`
}

type v1Error struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		AtMessage  string `json:"@message"`
		InnerError *struct {
			Message string `json:"message"`
		} `json:"innererror"`
	} `json:"error"`
}

// Execute implements Executor.
func (c *Client) Execute(ctx context.Context, database, query string) (*Result, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetHeader("x-ms-client-request-id", "kqlbridge;"+uuid.NewString()).
		SetBody(queryRequest{DB: database, CSL: query})

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("kusto: acquire token: %w", err)
		}
		req.SetAuthToken(tok.AccessToken)
	}

	resp, err := req.Post(queryPath)
	if err != nil {
		return nil, fmt.Errorf("kusto: post query: %w", err)
	}
	if resp.IsError() {
		return nil, decodeError(resp.StatusCode(), resp.Body())
	}
	return decodeV1(resp.Body())
}

func decodeError(status int, body []byte) error {
	var payload v1Error
	if err := json.Unmarshal(body, &payload); err != nil || (payload.Error.Message == "" && payload.Error.AtMessage == "") {
		return &Error{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	msg := payload.Error.AtMessage
	if msg == "" {
		msg = payload.Error.Message
	}
	if payload.Error.InnerError != nil && payload.Error.InnerError.Message != "" {
		msg += ": " + payload.Error.InnerError.Message
	}
	return &Error{StatusCode: status, Code: payload.Error.Code, Message: msg}
}

// decodeV1 keeps numbers as json.Number so long values survive.
func decodeV1(body []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload v1Response
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("kusto: decode response: %w", err)
	}

	tables := make([]*Table, 0, len(payload.Tables))
	for _, raw := range payload.Tables {
		t := &Table{Name: raw.TableName, Rows: raw.Rows}
		for _, col := range raw.Columns {
			typ := col.ColumnType
			if typ == "" {
				typ = col.DataType
			}
			t.Columns = append(t.Columns, Column{Name: col.ColumnName, Type: NormalizeType(typ)})
		}
		tables = append(tables, t)
	}
	return &Result{Tables: applyTableOfContents(tables)}, nil
}

// applyTableOfContents renames result tables after the names given by the
// trailing table of contents and drops the service tables it lists.
func applyTableOfContents(tables []*Table) []*Table {
	if len(tables) < 2 {
		return tables
	}
	toc := tables[len(tables)-1]
	ordinal, kind, name := toc.ColumnIndex("Ordinal"), toc.ColumnIndex("Kind"), toc.ColumnIndex("Name")
	if ordinal < 0 || name < 0 {
		return tables
	}

	out := make([]*Table, 0, len(tables)-1)
	for _, row := range toc.Rows {
		if kind >= 0 && fmt.Sprint(row[kind]) != "QueryResult" {
			continue
		}
		n, err := json.Number(fmt.Sprint(row[ordinal])).Int64()
		if err != nil || n < 0 || int(n) >= len(tables)-1 {
			continue
		}
		t := tables[n]
		t.Name = fmt.Sprint(row[name])
		out = append(out, t)
	}
	return out
}
