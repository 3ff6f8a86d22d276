// Package events provides real-time run telemetry: an in-process publisher
// fans typed events out to channel subscribers (driver internals, the Slack
// notifier, tests) and to WebSocket clients via the connection manager.
//
// ════════════════════════════════════════════════════════════════
// Channels
// ════════════════════════════════════════════════════════════════
//
// Every event is published on the session channel ("session:{id}").
// Alerts are additionally mirrored on the global "sessions" channel so
// list views and notifiers can watch every run with one subscription.
//
// Events are transient: a subscriber only sees what is published while
// it is connected. Durable run state lives in the session store; clients
// reload it over REST after a reconnect.
// ════════════════════════════════════════════════════════════════
package events

// Event types, in rough lifecycle order.
const (
	EventTypePlanFrozen          = "plan_frozen"
	EventTypePhaseChanged        = "phase_changed"
	EventTypeStageStarted        = "stage_started"
	EventTypeStageTaskDispatched = "stage_task_dispatched"
	EventTypeStageTaskFinished   = "stage_task_finished"
	EventTypeStageFinished       = "stage_finished"
	EventTypeRecoveryEntered     = "recovery_entered"
	EventTypeGateChecked         = "gate_checked"
	EventTypeAlert               = "alert"
)

// Alert kinds (used in AlertPayload.Kind).
const (
	AlertStuckWarning           = "stuck_warning"
	AlertBudgetBreaker          = "budget_breaker"
	AlertRetryStorm             = "retry_storm"
	AlertStageAborted           = "stage_aborted"
	AlertFileOwnershipViolation = "file_ownership_violation"
	AlertGitMergeFailed         = "git_merge_failed"
)

// GlobalSessionsChannel carries alerts for every run. Dashboards and the
// Slack notifier subscribe here.
const GlobalSessionsChannel = "sessions"

// SessionChannel returns the channel name for a specific session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // Channel name (e.g., "session:abc-123")
}
