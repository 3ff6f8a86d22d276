package models

import "time"

// Ptr returns a pointer to v. Convenience for building patches.
func Ptr[T any](v T) *T { return &v }

// SessionPatch is a typed partial update for a SessionState. Nil fields are
// left untouched; non-nil fields replace the current value wholesale. Map and
// slice fields follow the same rule: a non-nil value replaces, nil preserves.
type SessionPatch struct {
	Objective      *string
	Status         *SessionStatus
	Phase          *string
	CurrentGate    *string
	StagePlan      *StagePlan
	StageIndex     *int
	StageCount     *int
	CurrentStageID *string
	TaskProgress   map[string]*TaskProgress
	FileChanges    []FileChange
	GateStatus     map[string]GateResult
	RecoveryCount  *int
	Iterations     *int
	GitActive      *bool
	GitBranch      *string
	StopRequested  *bool
	RetryStageID   *string
	PID            *int
	HeartbeatAt    *time.Time
}

// Apply merges the patch into s. UpdatedAt is owned by the state store and is
// not part of the patch.
func (p SessionPatch) Apply(s *SessionState) {
	if p.Objective != nil {
		s.Objective = *p.Objective
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Phase != nil {
		s.Phase = *p.Phase
	}
	if p.CurrentGate != nil {
		s.CurrentGate = *p.CurrentGate
	}
	if p.StagePlan != nil {
		s.StagePlan = p.StagePlan
	}
	if p.StageIndex != nil {
		s.StageIndex = *p.StageIndex
	}
	if p.StageCount != nil {
		s.StageCount = *p.StageCount
	}
	if p.CurrentStageID != nil {
		s.CurrentStageID = *p.CurrentStageID
	}
	if p.TaskProgress != nil {
		s.TaskProgress = p.TaskProgress
	}
	if p.FileChanges != nil {
		s.FileChanges = p.FileChanges
	}
	if p.GateStatus != nil {
		s.GateStatus = p.GateStatus
	}
	if p.RecoveryCount != nil {
		s.RecoveryCount = *p.RecoveryCount
	}
	if p.Iterations != nil {
		s.Iterations = *p.Iterations
	}
	if p.GitActive != nil {
		s.GitActive = *p.GitActive
	}
	if p.GitBranch != nil {
		s.GitBranch = *p.GitBranch
	}
	if p.StopRequested != nil {
		s.StopRequested = *p.StopRequested
	}
	if p.RetryStageID != nil {
		s.RetryStageID = *p.RetryStageID
	}
	if p.PID != nil {
		s.PID = *p.PID
	}
	if p.HeartbeatAt != nil {
		s.HeartbeatAt = *p.HeartbeatAt
	}
}

// IsZero reports whether the patch carries no fields at all.
func (p SessionPatch) IsZero() bool {
	return p.Objective == nil && p.Status == nil && p.Phase == nil &&
		p.CurrentGate == nil && p.StagePlan == nil && p.StageIndex == nil &&
		p.StageCount == nil && p.CurrentStageID == nil && p.TaskProgress == nil &&
		p.FileChanges == nil && p.GateStatus == nil && p.RecoveryCount == nil &&
		p.Iterations == nil && p.GitActive == nil && p.GitBranch == nil &&
		p.StopRequested == nil && p.RetryStageID == nil && p.PID == nil &&
		p.HeartbeatAt == nil
}
