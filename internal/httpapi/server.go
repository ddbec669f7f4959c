package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// Querier is the read side the API serves from.
type Querier interface {
	AttributionFor(ctx context.Context, rawID string, opts usecase.LookupOptions) (model.Attribution, error)
	AttributionBulk(ctx context.Context, rawIDs []string) (map[string]model.Attribution, error)
	ByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]model.Attribution, error)
	ByCampaign(ctx context.Context, campaignName, tenantID string, limit int) ([]model.Attribution, error)
	Stats(ctx context.Context, tenantID string, from, to time.Time) (*model.Stats, error)
	Refresh(ctx context.Context, rawIDs ...string) (int, error)
	ReadOnly() bool
}

var _ Querier = (*usecase.Facade)(nil)

// Ingester accepts raw click records posted to the API.
type Ingester interface {
	Ingest(ctx context.Context, source string, records []model.IngestRecord) (*usecase.IngestReport, error)
}

// Pinger checks a backing connection for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the API. Ingester may be nil, which disables POST /v1/clicks.
type Deps struct {
	Querier  Querier
	Ingester Ingester
	Store    Pinger
	// Bus is the NATS connection when ingestion is enabled.
	Bus     Pinger
	Version string
}

// Server is the dashboard read API plus the health and metrics endpoints.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	deps       Deps
	logger     *zap.Logger
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates the API server listening on port.
func NewServer(port int, deps Deps, logger *zap.Logger) *Server {
	logger = logger.Named("http_api")
	router := gin.New()
	router.Use(recovery(logger), requestLogger(logger), tenantFromHeader())

	s := &Server{
		httpServer: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: router,
		deps:   deps,
		logger: logger,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	v1 := router.Group("/v1")
	{
		v1.GET("/attribution/:raw_id", s.handleAttribution)
		v1.POST("/attribution/bulk", s.handleBulk)
		v1.POST("/attribution/refresh", s.handleRefresh)
		v1.GET("/attribution", s.handleByTenant)
		v1.GET("/campaigns/:name", s.handleByCampaign)
		v1.GET("/stats", s.handleStats)
		if deps.Ingester != nil {
			v1.POST("/clicks", s.handleIngest)
		}
	}
	return s
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.router.GET("/metrics", gin.WrapH(handler))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background
func (s *Server) Start() {
	utils.SafeGo(func() {
		s.logger.Info("Starting HTTP API server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API server error", zap.Error(err))
		}
	}, nil)
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "UP", Version: s.deps.Version})
}

// handleReady reports NOT_READY while the store or NATS is unreachable, or the store is read-only.
func (s *Server) handleReady(c *gin.Context) {
	details := map[string]string{"timestamp": utils.FormatISO8601(utils.Now())}
	status := http.StatusOK
	resp := HealthResponse{Status: "READY", Details: details}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "NOT_READY"
			details["store"] = err.Error()
		}
	}
	if s.deps.Bus != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Bus.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "NOT_READY"
			details["nats"] = err.Error()
		}
	}
	if s.deps.Querier != nil && s.deps.Querier.ReadOnly() {
		status = http.StatusServiceUnavailable
		resp.Status = "NOT_READY"
		details["mode"] = "read_only"
	}
	c.JSON(status, resp)
}
