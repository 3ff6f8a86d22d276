package agent

import (
	"context"
	"sync"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// ScriptedAgent replays canned results per task id, in order, and records
// every request it served. It is the test double used across the scheduler,
// driver and end-to-end suites.
type ScriptedAgent struct {
	mu       sync.Mutex
	scripts  map[string][]*models.TaskResult
	fallback func(req Request) *models.TaskResult
	delay    time.Duration
	calls    []Request
}

func NewScriptedAgent() *ScriptedAgent {
	return &ScriptedAgent{scripts: make(map[string][]*models.TaskResult)}
}

// Script queues results for a task id; successive calls for the same task
// consume them in order, and the last one repeats once the queue drains.
func (a *ScriptedAgent) Script(taskID string, results ...*models.TaskResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[taskID] = append(a.scripts[taskID], results...)
}

// SetDefault handles requests with no per-task script.
func (a *ScriptedAgent) SetDefault(fn func(req Request) *models.TaskResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = fn
}

// SetDelay makes every turn block for d (or until ctx is done) first.
func (a *ScriptedAgent) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

func (a *ScriptedAgent) Run(ctx context.Context, req Request) (*models.TaskResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &models.TaskResult{Status: models.ResultCancelled, Error: ctx.Err().Error()}, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	queue := a.scripts[req.TaskID]
	if len(queue) == 0 {
		if a.fallback != nil {
			return cloneResult(a.fallback(req)), nil
		}
		return &models.TaskResult{
			Status:         models.ResultCompleted,
			CompletedFiles: req.PlannedFiles,
			Reply:          models.CompletionSentinel,
		}, nil
	}

	next := queue[0]
	if len(queue) > 1 {
		a.scripts[req.TaskID] = queue[1:]
	}
	return cloneResult(next), nil
}

// Calls returns a copy of every request served so far.
func (a *ScriptedAgent) Calls() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Request, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsFor filters recorded requests by task id.
func (a *ScriptedAgent) CallsFor(taskID string) []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Request
	for _, c := range a.calls {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

func cloneResult(r *models.TaskResult) *models.TaskResult {
	if r == nil {
		return nil
	}
	out := *r
	out.CompletedFiles = append([]string(nil), r.CompletedFiles...)
	out.RemainingFiles = append([]string(nil), r.RemainingFiles...)
	out.FileChanges = append([]models.FileChange(nil), r.FileChanges...)
	return &out
}
