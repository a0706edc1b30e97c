package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/bus"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/store"
)

// Handler manages health check endpoints
type Handler struct {
	store        *store.Store
	redisService *bus.Service
}

// NewHandler creates a new health check handler. The bus service may be nil
// in single-instance mode.
func NewHandler(st *store.Store, redisService *bus.Service) *Handler {
	return &Handler{
		store:        st,
		redisService: redisService,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health and GET /health/ready
// Returns 200 only if storage is reachable; 503 otherwise. The Redis bus is
// reported in the checks map but is not required for readiness because the
// server degrades to single-instance delivery without it.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)

	storageStatus := h.checkStorage(ctx)
	checks["storage"] = storageStatus
	checks["redis"] = h.checkRedis(ctx)

	status := "ready"
	statusCode := http.StatusOK
	if storageStatus != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkStorage verifies database connectivity
func (h *Handler) checkStorage(ctx context.Context) string {
	if h.store == nil {
		return "unhealthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
