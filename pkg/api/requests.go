package api

// SubmitRunRequest is the HTTP request body for POST /api/v1/runs.
// A new run needs an objective. A bare session_id resumes that session with
// its stored objective.
type SubmitRunRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Objective string `json:"objective,omitempty"`
}

// RetryStageRequest is the HTTP request body for POST /api/v1/sessions/:id/retry-stage.
type RetryStageRequest struct {
	StageID string `json:"stage_id"`
}
