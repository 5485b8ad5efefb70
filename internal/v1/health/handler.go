package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flylive/msab/internal/v1/logging"
	"go.uber.org/zap"
)

// KVPinger is the subset of kv.Client the health handler depends on.
type KVPinger interface {
	Ping(ctx context.Context) error
}

// WorkerPoolChecker reports the liveness of the local worker subprocess pool.
type WorkerPoolChecker interface {
	WorkerCount() int
}

// Handler manages health check endpoints.
type Handler struct {
	kv      KVPinger
	workers WorkerPoolChecker
}

// NewHandler creates a new health check handler. workers may be nil before
// the worker pool has finished starting; in that case the workers check is
// skipped rather than reported unhealthy.
func NewHandler(kv KVPinger, workers WorkerPoolChecker) *Handler {
	return &Handler{kv: kv, workers: workers}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy.
// Returns 503 if any dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	kvStatus := h.checkKV(ctx)
	checks["kv"] = kvStatus
	if kvStatus != "healthy" {
		allHealthy = false
	}

	if h.workers != nil {
		workerStatus := h.checkWorkers()
		checks["workers"] = workerStatus
		if workerStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
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

// checkKV verifies KV-store connectivity using the PING command.
func (h *Handler) checkKV(ctx context.Context) string {
	if h.kv == nil {
		return "healthy"
	}

	if err := h.kv.Ping(ctx); err != nil {
		logging.Error(ctx, "kv health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkWorkers reports unhealthy when the local worker pool has no live workers.
func (h *Handler) checkWorkers() string {
	if h.workers.WorkerCount() <= 0 {
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
