package elasticsearch

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kqlbridge/internal/bridge"
	"kqlbridge/internal/metrics"
	"kqlbridge/pkg/models"
)

// Version is the Elasticsearch version clients are told they talk to.
const Version = "8.10.2"

type Service struct {
	bridge      *bridge.Bridge
	passthrough *Passthrough
	logger      *zap.Logger
}

// NewService builds the HTTP surface. Without a passthrough, unknown
// routes answer 404.
func NewService(b *bridge.Bridge, p *Passthrough, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{bridge: b, passthrough: p, logger: logger}
}

func (s *Service) RegisterHandlers(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Header("X-Elastic-Product", "Elasticsearch")
		c.Next()
	})

	r.GET("/", s.Info)
	r.GET("/_cluster/health", s.Health)
	r.GET("/_cluster/health/:index", s.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/_msearch", s.MSearch)
	r.POST("/:index/_msearch", s.MSearch)
	r.GET("/:index/_search", s.Search)
	r.POST("/:index/_search", s.Search)
	r.GET("/:index/_field_caps", s.FieldCaps)
	r.POST("/:index/_field_caps", s.FieldCaps)

	r.NoRoute(s.NoRoute)
}

func (s *Service) Info(c *gin.Context) {
	c.JSON(http.StatusOK, models.Info{
		Name:        "kqlbridge-node",
		ClusterName: "kqlbridge-cluster",
		ClusterUUID: "kqlbridge-cluster-uuid",
		Version: models.InfoVersion{
			Number:                    Version,
			BuildFlavor:               "default",
			LuceneVersion:             "9.7.0",
			MinimumWireCompatibility:  "7.17.0",
			MinimumIndexCompatibility: "7.0.0",
		},
		Tagline: "You Know, for Search",
	})
}

func (s *Service) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.ClusterHealth{
		ClusterName:         "kqlbridge-cluster",
		Status:              "green",
		NumberOfNodes:       1,
		NumberOfDataNodes:   1,
		ActivePrimaryShards: 1,
		ActiveShards:        1,
	})
}

func (s *Service) Search(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if len(body) == 0 {
		body = []byte(`{"query":{"bool":{"must":[],"filter":[]}}}`)
	}
	resp := s.bridge.Search(c.Request.Context(), c.Param("index"), body)
	c.JSON(resp.StatusCode(), resp)
}

func (s *Service) MSearch(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	out, err := s.bridge.MultiSearch(c.Request.Context(), body, c.Param("index"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) FieldCaps(c *gin.Context) {
	index := c.Param("index")
	caps, err := s.bridge.FieldCaps(c.Request.Context(), index)
	if err != nil {
		s.logger.Error("field caps failed", zap.String("index", index), zap.Error(err))
		typ := "exception"
		var pe *bridge.PhaseError
		if errors.As(err, &pe) {
			typ = pe.Type()
		}
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(typ, err.Error(), index, http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, caps)
}

// NoRoute forwards requests the bridge does not answer to the metadata
// cluster.
func (s *Service) NoRoute(c *gin.Context) {
	if s.passthrough == nil {
		c.JSON(http.StatusNotFound, models.NewErrorResponse("illegal_argument_exception",
			"no handler found for uri ["+c.Request.URL.Path+"] and method ["+c.Request.Method+"]", "", http.StatusNotFound))
		return
	}
	s.passthrough.Forward(c)
}

func (s *Service) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.NewErrorResponse("parse_exception", err.Error(), c.Param("index"), http.StatusBadRequest))
}
