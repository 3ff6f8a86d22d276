package models

import (
	"time"
)

// SessionStatus is the lifecycle status of a long-running session.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusRunning    SessionStatus = "running"
	StatusRecovering SessionStatus = "recovering"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusBlocked    SessionStatus = "blocked"
	StatusStopped    SessionStatus = "stopped"
	StatusError      SessionStatus = "error"
)

// IsTerminal reports whether the status marks the end of a run.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusStopped, StatusError:
		return true
	}
	return false
}

// Driver lifecycle phases. The driver reports transitions between these via
// phase_changed events.
const (
	PhaseIntake       = "intake"
	PhasePlanFrozen   = "plan_frozen"
	PhaseScaffolding  = "scaffolding"
	PhaseStageRunning = "stage_running"
	PhaseStageRecover = "stage_recover"
	PhaseGateCheck    = "gate_check"
	PhaseGateRecovery = "gate_recovery"
	PhaseTerminal     = "terminal"
)

// SessionState is the durable state of one long-running session. It is the
// value stored per session id in the state file and is patched incrementally
// by the driver, the scheduler, and the control API.
type SessionState struct {
	SessionID      string                   `json:"sessionId"`
	Objective      string                   `json:"objective,omitempty"`
	Status         SessionStatus            `json:"status"`
	Phase          string                   `json:"phase,omitempty"`
	CurrentGate    string                   `json:"currentGate,omitempty"`
	StagePlan      *StagePlan               `json:"stagePlan,omitempty"`
	StageIndex     int                      `json:"stageIndex"`
	StageCount     int                      `json:"stageCount"`
	CurrentStageID string                   `json:"currentStageId,omitempty"`
	TaskProgress   map[string]*TaskProgress `json:"taskProgress,omitempty"`
	FileChanges    []FileChange             `json:"fileChanges,omitempty"`
	GateStatus     map[string]GateResult    `json:"gateStatus,omitempty"`
	RecoveryCount  int                      `json:"recoveryCount"`
	Iterations     int                      `json:"iterations"`
	GitActive      bool                     `json:"gitActive,omitempty"`
	GitBranch      string                   `json:"gitBranch,omitempty"`
	StopRequested  bool                     `json:"stopRequested,omitempty"`
	RetryStageID   string                   `json:"retryStageId,omitempty"`
	PID            int                      `json:"pid,omitempty"`
	HeartbeatAt    time.Time                `json:"heartbeatAt"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

// NewSessionState returns the default template for a session that has never
// been written before.
func NewSessionState(sessionID string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		SessionID:    sessionID,
		Status:       StatusIdle,
		Phase:        PhaseIntake,
		TaskProgress: make(map[string]*TaskProgress),
		GateStatus:   make(map[string]GateResult),
		HeartbeatAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy. The state store hands out clones so callers can
// never mutate the persisted value in place.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.StagePlan = s.StagePlan.Clone()
	if s.TaskProgress != nil {
		out.TaskProgress = make(map[string]*TaskProgress, len(s.TaskProgress))
		for id, tp := range s.TaskProgress {
			out.TaskProgress[id] = tp.Clone()
		}
	}
	if s.FileChanges != nil {
		out.FileChanges = append([]FileChange(nil), s.FileChanges...)
	}
	if s.GateStatus != nil {
		out.GateStatus = make(map[string]GateResult, len(s.GateStatus))
		for name, g := range s.GateStatus {
			out.GateStatus[name] = g
		}
	}
	return &out
}
