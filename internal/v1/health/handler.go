// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/bus"
	"github.com/meetmesh/signaling/internal/v1/logging"
)

// EngineChecker reports the media engine's health. Nil when the process runs
// in signaling-only mode.
type EngineChecker interface {
	Check(ctx context.Context) string
}

// EngineCheckerFunc adapts a plain function to EngineChecker.
type EngineCheckerFunc func(ctx context.Context) string

func (f EngineCheckerFunc) Check(ctx context.Context) string { return f(ctx) }

// Handler manages the health check endpoints.
type Handler struct {
	redisService *bus.Service
	engine       EngineChecker
}

// NewHandler builds a health handler. Both dependencies may be nil; a nil
// dependency is reported healthy since it is not in use.
func NewHandler(redisService *bus.Service, engine EngineChecker) *Handler {
	return &Handler{
		redisService: redisService,
		engine:       engine,
	}
}

// LivenessResponse is the liveness probe payload.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe payload.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every active
// dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.engine != nil {
		engineStatus := h.engine.Check(ctx)
		checks["engine"] = engineStatus
		if engineStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	// single-instance mode, nothing to check
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
