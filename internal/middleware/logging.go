package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Keys the dispatch handler sets on the gin context for the access log.
const (
	ContextKeyBackend = "gateway.backend"
	ContextKeyOutcome = "gateway.outcome"
)

// Logging returns a middleware that writes one access log line per
// request. 5xx responses log at error level, 4xx at warn.
func Logging(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.String("query", c.Request.URL.RawQuery),
			observability.Int("status", status),
			observability.Int("size", c.Writer.Size()),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("user_agent", c.Request.UserAgent()),
		}
		if backend := c.GetString(ContextKeyBackend); backend != "" {
			fields = append(fields,
				observability.String("backend", backend),
				observability.String("outcome", c.GetString(ContextKeyOutcome)),
			)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		log := logger.WithContext(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}
