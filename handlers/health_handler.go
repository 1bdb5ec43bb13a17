package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Pinger is a dependency that can report its own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// CatalogCounter reports how many permissions are loaded
type CatalogCounter interface {
	Count() int
}

// AuditStatter reports the state of the audit queue
type AuditStatter interface {
	GetStats() audit.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db      *sql.DB
	cache   Pinger
	catalog CatalogCounter
	audit   AuditStatter
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. cache and catalog may be nil.
func NewHealthHandler(db *sql.DB, cache Pinger, catalog CatalogCounter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		cache:   cache,
		catalog: catalog,
		logger:  logger,
	}
}

// WithAudit adds the audit queue to the readiness checks
func (h *HealthHandler) WithAudit(a AuditStatter) *HealthHandler {
	h.audit = a
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.Warn("cache health check failed", zap.Error(err))
			checks["cache"] = "unhealthy"
			allHealthy = false
		} else {
			checks["cache"] = "healthy"
		}
	}

	if h.catalog != nil {
		if h.catalog.Count() == 0 {
			checks["catalog"] = "empty"
			allHealthy = false
		} else {
			checks["catalog"] = "loaded"
		}
	}

	if h.audit != nil {
		state, ok := auditState(h.audit.GetStats())
		checks["audit"] = state
		if !ok {
			allHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // in-memory store
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}

// auditState names the audit queue state. A saturated queue drops entries
// but never blocks mutations, so it does not fail readiness.
func auditState(stats audit.Stats) (string, bool) {
	switch {
	case !stats.Enabled:
		return "disabled", true
	case !stats.Started:
		return "stopped", false
	case stats.PendingEvents >= stats.BufferSize:
		return "saturated", true
	default:
		return "healthy", true
	}
}
