package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// maxBulkIDs bounds bulk reads, refreshes and ingest posts.
const maxBulkIDs = 1000

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type idsRequest struct {
	RawIDs []string `json:"raw_ids" binding:"required,min=1"`
}

type listResponse struct {
	Count int                 `json:"count"`
	Items []model.Attribution `json:"items"`
}

func (s *Server) handleAttribution(c *gin.Context) {
	opts := usecase.LookupOptions{
		Tenant: s.tenantParam(c),
	}
	if v := c.Query("enrich"); v != "" {
		enrich, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: enrich must be a boolean", apperrors.ErrBadRequest))
			return
		}
		opts.Enrich = enrich
	}
	if v := c.Query("provider"); v != "" {
		p, err := model.ParseProvider(v)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err))
			return
		}
		opts.Provider = p
	}
	if v := c.Query("created_at"); v != "" {
		ts, err := utils.ParseTimestamp(v)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: created_at: %w", apperrors.ErrBadRequest, err))
			return
		}
		opts.CreationTimeHint = &ts
	}

	view, err := s.deps.Querier.AttributionFor(c.Request.Context(), c.Param("raw_id"), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleBulk(c *gin.Context) {
	var req idsRequest
	if !s.bindIDs(c, &req) {
		return
	}
	views, err := s.deps.Querier.AttributionBulk(c.Request.Context(), req.RawIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attributions": views})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req idsRequest
	if !s.bindIDs(c, &req) {
		return
	}
	n, err := s.deps.Querier.Refresh(c.Request.Context(), req.RawIDs...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requested": len(req.RawIDs), "refreshed": n})
}

func (s *Server) handleByTenant(c *gin.Context) {
	from, to, ok := s.window(c)
	if !ok {
		return
	}
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	items, err := s.deps.Querier.ByTenant(c.Request.Context(), s.tenantParam(c), from, to, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Count: len(items), Items: items})
}

func (s *Server) handleByCampaign(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	items, err := s.deps.Querier.ByCampaign(c.Request.Context(), c.Param("name"), s.tenantParam(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Count: len(items), Items: items})
}

func (s *Server) handleStats(c *gin.Context) {
	from, to, ok := s.window(c)
	if !ok {
		return
	}
	stats, err := s.deps.Querier.Stats(c.Request.Context(), s.tenantParam(c), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleIngest(c *gin.Context) {
	var records []model.IngestRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		s.writeError(c, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err))
		return
	}
	if len(records) == 0 || len(records) > maxBulkIDs {
		s.writeError(c, fmt.Errorf("%w: between 1 and %d records are accepted", apperrors.ErrBadRequest, maxBulkIDs))
		return
	}
	report, err := s.deps.Ingester.Ingest(c.Request.Context(), usecase.SourceHTTP, records)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if report.Invalid > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

func (s *Server) bindIDs(c *gin.Context, req *idsRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err))
		return false
	}
	if len(req.RawIDs) > maxBulkIDs {
		s.writeError(c, fmt.Errorf("%w: at most %d raw_ids per request", apperrors.ErrBadRequest, maxBulkIDs))
		return false
	}
	return true
}

// tenantParam prefers the query string over the X-Tenant header. Empty means the handler default.
func (s *Server) tenantParam(c *gin.Context) string {
	if t := c.Query("tenant"); t != "" {
		return t
	}
	return tenant.FromContextOr(c.Request.Context(), "")
}

func (s *Server) window(c *gin.Context) (from, to time.Time, ok bool) {
	parse := func(name string) (time.Time, bool) {
		v := c.Query(name)
		if v == "" {
			return time.Time{}, true
		}
		ts, err := utils.ParseTimestamp(v)
		if err != nil {
			s.writeError(c, fmt.Errorf("%w: %s: %w", apperrors.ErrBadRequest, name, err))
			return time.Time{}, false
		}
		return ts, true
	}
	if from, ok = parse("from"); !ok {
		return
	}
	if to, ok = parse("to"); !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		s.writeError(c, fmt.Errorf("%w: from must be before to", apperrors.ErrBadRequest))
		return from, to, false
	}
	return from, to, true
}

func (s *Server) limit(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxBulkIDs*10 {
		s.writeError(c, fmt.Errorf("%w: limit must be between 0 and %d", apperrors.ErrBadRequest, maxBulkIDs*10))
		return 0, false
	}
	return n, true
}

// writeError maps an error kind to a status code.
func (s *Server) writeError(c *gin.Context, err error) {
	status, kind := statusFor(err)
	log := logger.FromContextOr(c.Request.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("kind", kind), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: kind})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidIdentifier):
		return http.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrStoreCorrupted):
		return http.StatusServiceUnavailable, "store_corrupted"
	case errors.Is(err, apperrors.ErrReadOnly):
		return http.StatusServiceUnavailable, "read_only"
	case errors.Is(err, apperrors.ErrAuthFailure):
		return http.StatusBadGateway, "auth_failure"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
