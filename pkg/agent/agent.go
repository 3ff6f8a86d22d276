// Package agent defines the coding-agent boundary: a single blocking turn
// that takes a prompt and returns a structured task result. The production
// implementation shells out to an external agent binary; tests swap in a
// scripted double.
package agent

import (
	"context"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// Request is one agent turn. SubSessionID isolates parallel workers of the
// same run from each other; StageID/TaskID are labels for logging and result
// attribution.
type Request struct {
	SessionID    string        `json:"sessionId"`
	SubSessionID string        `json:"subSessionId,omitempty"`
	Prompt       string        `json:"prompt"`
	Model        string        `json:"model,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Subagent     string        `json:"subagent,omitempty"`
	StageID      string        `json:"stageId,omitempty"`
	TaskID       string        `json:"taskId,omitempty"`
	PlannedFiles []string      `json:"plannedFiles,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	Timeout      time.Duration `json:"-"`
}

// Agent runs one turn to completion. Implementations must honor ctx
// cancellation and the request timeout, returning a result with an
// interrupted or cancelled status rather than an error when the turn was
// cut short but partial output exists.
type Agent interface {
	Run(ctx context.Context, req Request) (*models.TaskResult, error)
}
