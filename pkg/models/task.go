package models

import "strings"

// TaskStatus is the scheduler-side status of one task within a stage.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task needs no further dispatching.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskError, TaskCancelled:
		return true
	}
	return false
}

// ResultStatus is the status of a worker handle as reported by the pool.
type ResultStatus string

const (
	ResultRunning     ResultStatus = "running"
	ResultCompleted   ResultStatus = "completed"
	ResultError       ResultStatus = "error"
	ResultInterrupted ResultStatus = "interrupted"
	ResultCancelled   ResultStatus = "cancelled"
)

// ToolCall is one tool invocation a worker reported for a turn. Args is the
// worker's own serialization of the call arguments; the orchestrator only
// fingerprints it for loop detection.
type ToolCall struct {
	Tool     string `json:"tool"`
	Args     string `json:"args,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// TaskResult is the structured envelope a worker returns for one sub-task
// turn. The reply text is opaque to the orchestrator apart from the
// completion sentinel.
type TaskResult struct {
	Status         ResultStatus `json:"status"`
	CompletedFiles []string     `json:"completedFiles,omitempty"`
	RemainingFiles []string     `json:"remainingFiles,omitempty"`
	FileChanges    []FileChange `json:"fileChanges,omitempty"`
	ToolCalls      []ToolCall   `json:"toolCalls,omitempty"`
	Reply          string       `json:"reply,omitempty"`
	Cost           float64      `json:"cost,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// TaskProgress tracks one task across attempts. It is persisted in session
// state so an interrupted stage can be reseeded after a crash.
type TaskProgress struct {
	TaskID           string       `json:"taskId"`
	StageID          string       `json:"stageId,omitempty"`
	Attempt          int          `json:"attempt"`
	Status           TaskStatus   `json:"status"`
	BackgroundTaskID string       `json:"backgroundTaskId,omitempty"`
	PlannedFiles     []string     `json:"plannedFiles,omitempty"`
	CompletedFiles   []string     `json:"completedFiles,omitempty"`
	RemainingFiles   []string     `json:"remainingFiles,omitempty"`
	FileChanges      []FileChange `json:"fileChanges,omitempty"`
	LastError        string       `json:"lastError,omitempty"`
	LastReply        string       `json:"lastReply,omitempty"`
	LastCost         float64      `json:"lastCost,omitempty"`
}

// Clone returns a deep copy of the task progress.
func (t *TaskProgress) Clone() *TaskProgress {
	if t == nil {
		return nil
	}
	out := *t
	if t.PlannedFiles != nil {
		out.PlannedFiles = append([]string(nil), t.PlannedFiles...)
	}
	if t.CompletedFiles != nil {
		out.CompletedFiles = append([]string(nil), t.CompletedFiles...)
	}
	if t.RemainingFiles != nil {
		out.RemainingFiles = append([]string(nil), t.RemainingFiles...)
	}
	if t.FileChanges != nil {
		out.FileChanges = append([]FileChange(nil), t.FileChanges...)
	}
	return &out
}

// CompletionSentinel is the advisory marker a worker may include in its reply
// to signal that it believes the task is done. Matching is case-insensitive.
// Authoritative completion is always the quality gate verdict.
const CompletionSentinel = "[TASK_COMPLETE]"

// ContainsCompletionSentinel reports whether the reply carries the sentinel.
func ContainsCompletionSentinel(reply string) bool {
	return strings.Contains(strings.ToLower(reply), strings.ToLower(CompletionSentinel))
}
