package models

import (
	"strings"
	"time"
)

// CheckpointLatest is the implicit checkpoint name used when none is given.
const CheckpointLatest = "latest"

// StageCheckpointPrefix marks per-stage checkpoints, which cleanup never
// prunes when keepStageCheckpoints is set.
const StageCheckpointPrefix = "stage_"

// CheckpointRecord is a named, self-contained snapshot of a session,
// sufficient to resume the driver after a crash.
type CheckpointRecord struct {
	Name         string                   `json:"name"`
	SessionID    string                   `json:"sessionId,omitempty"`
	Iteration    int                      `json:"iteration"`
	Phase        string                   `json:"phase,omitempty"`
	GateStatus   map[string]GateResult    `json:"gateStatus,omitempty"`
	TaskProgress map[string]*TaskProgress `json:"taskProgress,omitempty"`
	StageIndex   int                      `json:"stageIndex"`
	StagePlan    *StagePlan               `json:"stagePlan,omitempty"`
	SavedAt      time.Time                `json:"savedAt"`
}

// IsStageCheckpoint reports whether the record is a per-stage checkpoint.
func (r *CheckpointRecord) IsStageCheckpoint() bool {
	return strings.HasPrefix(r.Name, StageCheckpointPrefix)
}
