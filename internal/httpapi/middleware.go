package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// TenantHeader scopes a request to a tenant when the query omits one.
const TenantHeader = "X-Tenant"

func recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("[panic] Recovered from panic in HTTP handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		c.Next()
	}
}

// requestLogger attaches a request scoped logger and records latency.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := logger.WithLogger(c.Request.Context(), log.With(
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		observer.ObserveHTTPRequest(c.Request.Method, c.FullPath(), status, duration)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Warn("HTTP request failed", fields...)
		case c.FullPath() == "/health" || c.FullPath() == "/ready" || c.FullPath() == "/metrics":
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}

func tenantFromHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if t := c.GetHeader(TenantHeader); t != "" {
			c.Request = c.Request.WithContext(tenant.WithTenant(c.Request.Context(), t))
		}
		c.Next()
	}
}
