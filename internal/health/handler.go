package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health endpoint paths.
const (
	PathHealth    = "/health"
	PathReadiness = "/health/ready"
	PathLiveness  = "/health/live"
)

// Handler serves the health endpoints.
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a new health handler.
func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// LivenessHandler answers 200 while the process serves.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.aggregator.Liveness())
	}
}

// ReadinessHandler answers 200 when ready, 503 otherwise.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := h.aggregator.Readiness(c.Request.Context())
		c.JSON(statusCode(report), report)
	}
}

// HealthHandler answers 200 when healthy, 503 otherwise.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := h.aggregator.Health(c.Request.Context())
		c.JSON(statusCode(report), report)
	}
}

// RegisterRoutes registers the health routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET(PathHealth, h.HealthHandler())
	r.GET(PathReadiness, h.ReadinessHandler())
	r.GET(PathLiveness, h.LivenessHandler())
}

func statusCode(r *Report) int {
	if r.OK() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
