package events

// PlanFrozenPayload is the payload for plan_frozen events.
// Published once per run when the validated plan becomes immutable.
type PlanFrozenPayload struct {
	Type         string   `json:"type"`      // always EventTypePlanFrozen
	SessionID    string   `json:"sessionId"` // owning session
	PlanID       string   `json:"planId"`
	StageCount   int      `json:"stageCount"`
	TaskCount    int      `json:"taskCount"`
	QualityScore int      `json:"qualityScore"`
	Fallback     bool     `json:"fallback"`          // plan is the trivial fallback
	PlanErrors   []string `json:"planErrors,omitempty"` // validator violations that forced the fallback
	Timestamp    string   `json:"timestamp"`         // RFC3339Nano
}

// PhaseChangedPayload is the payload for phase_changed events.
type PhaseChangedPayload struct {
	Type      string `json:"type"`      // always EventTypePhaseChanged
	SessionID string `json:"sessionId"` // owning session
	From      string `json:"from"`
	To        string `json:"to"`
	Iteration int    `json:"iteration"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// StageStartedPayload is the payload for stage_started events. Error is set
// when the stage was refused before any task launched (ownership violation).
type StageStartedPayload struct {
	Type       string `json:"type"`      // always EventTypeStageStarted
	SessionID  string `json:"sessionId"` // owning session
	StageID    string `json:"stageId"`
	StageIndex int    `json:"stageIndex"` // 0-based position in the plan
	StageName  string `json:"stageName"`
	TaskCount  int    `json:"taskCount"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// StageTaskDispatchedPayload is the payload for stage_task_dispatched events.
type StageTaskDispatchedPayload struct {
	Type      string `json:"type"`      // always EventTypeStageTaskDispatched
	SessionID string `json:"sessionId"` // owning session
	StageID   string `json:"stageId"`
	TaskID    string `json:"taskId"`
	Attempt   int    `json:"attempt"`   // 1-based
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// StageTaskFinishedPayload is the payload for stage_task_finished events.
// Published for every terminal worker poll, including attempts that will be
// retried.
type StageTaskFinishedPayload struct {
	Type      string  `json:"type"`      // always EventTypeStageTaskFinished
	SessionID string  `json:"sessionId"` // owning session
	StageID   string  `json:"stageId"`
	TaskID    string  `json:"taskId"`
	Status    string  `json:"status"` // pending, retrying, completed, error, cancelled
	Attempt   int     `json:"attempt"`
	Cost      float64 `json:"cost"`
	Error     string  `json:"error,omitempty"`
	Timestamp string  `json:"timestamp"` // RFC3339Nano
}

// StageFinishedPayload is the payload for stage_finished events.
type StageFinishedPayload struct {
	Type         string  `json:"type"`      // always EventTypeStageFinished
	SessionID    string  `json:"sessionId"` // owning session
	StageID      string  `json:"stageId"`
	AllSuccess   bool    `json:"allSuccess"`
	SuccessCount int     `json:"successCount"`
	FailCount    int     `json:"failCount"`
	RetryCount   int     `json:"retryCount"`
	TotalCost    float64 `json:"totalCost"`
	Timestamp    string  `json:"timestamp"` // RFC3339Nano
}

// RecoveryEnteredPayload is the payload for recovery_entered events.
type RecoveryEnteredPayload struct {
	Type          string `json:"type"`      // always EventTypeRecoveryEntered
	SessionID     string `json:"sessionId"` // owning session
	StageID       string `json:"stageId,omitempty"`
	RecoveryCount int    `json:"recoveryCount"`
	Reason        string `json:"reason"`
	BackoffMs     int64  `json:"backoffMs"`
	Timestamp     string `json:"timestamp"` // RFC3339Nano
}

// GateCheckedPayload is the payload for gate_checked events.
type GateCheckedPayload struct {
	Type      string `json:"type"`      // always EventTypeGateChecked
	SessionID string `json:"sessionId"` // owning session
	Gate      string `json:"gate"`      // build, test, review, health, budget
	Status    string `json:"status"`    // pass, fail, warn, not_applicable, disabled
	Reason    string `json:"reason,omitempty"`
	Attempt   int    `json:"attempt"` // gate-loop attempt, 1-based
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// AlertPayload is the payload for alert events. Alerts are mirrored on the
// global sessions channel.
type AlertPayload struct {
	Type      string `json:"type"`      // always EventTypeAlert
	SessionID string `json:"sessionId"` // owning session
	Kind      string `json:"kind"`      // see Alert* constants
	Message   string `json:"message"`
	StageID   string `json:"stageId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}
