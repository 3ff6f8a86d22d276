package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kkelly-offical/kkcode-sub002/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /api/v1/health.
// Only the process's own dependencies (state store, checkpoint tree) are
// checked. The worker agent subprocess is not probed here: a missing agent
// binary fails individual runs, not the control plane.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.store.Health(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["state_store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["state_store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.checkpoints != nil {
		if _, err := s.checkpoints.Sessions(reqCtx); err != nil {
			// Checkpoint reads are best-effort: runs still make progress
			// without them, so this degrades rather than fails the probe.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["checkpoints"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["checkpoints"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	activeRuns := 0
	if s.manager != nil {
		activeRuns = s.manager.ActiveCount()
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:     status,
		Version:    version.GitCommit,
		ActiveRuns: activeRuns,
		Checks:     checks,
	})
}
