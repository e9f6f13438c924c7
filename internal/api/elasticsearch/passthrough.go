package elasticsearch

import (
	"bytes"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Passthrough relays requests to a real Elasticsearch that holds the
// metadata Kibana keeps (saved objects, index patterns, settings).
type Passthrough struct {
	client *elasticsearch.Client
	logger *zap.Logger
}

func NewPassthrough(url string, logger *zap.Logger) (*Passthrough, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, err
	}
	return &Passthrough{client: client, logger: logger}, nil
}

var forwardedHeaders = []string{"Content-Type", "Accept", "Authorization", "Kbn-Version"}

func (p *Passthrough) Forward(c *gin.Context) {
	var body io.Reader
	if c.Request.Body != nil {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(data) > 0 {
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, c.Request.URL.RequestURI(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, h := range forwardedHeaders {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	res, err := p.client.Perform(req)
	if err != nil {
		p.logger.Warn("passthrough failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer res.Body.Close()

	c.DataFromReader(res.StatusCode, res.ContentLength, res.Header.Get("Content-Type"), res.Body, nil)
}
