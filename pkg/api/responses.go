package api

import (
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// RunResponse is returned by POST /api/v1/runs.
type RunResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StopResponse is returned by POST /api/v1/sessions/:id/stop.
type StopResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// RetryStageResponse is returned by POST /api/v1/sessions/:id/retry-stage.
type RetryStageResponse struct {
	SessionID string `json:"session_id"`
	StageID   string `json:"stage_id"`
	Message   string `json:"message"`
}

// SessionListResponse is returned by GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []*models.SessionState `json:"sessions"`
	Total    int                    `json:"total"`
}

// SessionDetail is returned by GET /api/v1/sessions/:id. Active reports
// whether this process currently holds a live run for the session; a
// "running" status with Active false means the run belongs to another
// process, or to one that died and has not been flagged yet.
type SessionDetail struct {
	*models.SessionState
	Active bool `json:"active"`
}

// CheckpointListResponse is returned by GET /api/v1/sessions/:id/checkpoints.
type CheckpointListResponse struct {
	Checkpoints []*models.CheckpointRecord `json:"checkpoints"`
	Total       int                        `json:"total"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	ActiveRuns int                    `json:"active_runs"`
	Checks     map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the state of one dependency in HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
