// Package scheduler executes one stage of a frozen plan: it dispatches the
// stage's tasks to the worker pool with bounded concurrency, retries failed
// attempts up to each task's budget, and holds the barrier until every task
// is terminal before reporting a stage summary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/worker"
)

// DefaultPollInterval paces the dispatch/poll loop.
const DefaultPollInterval = 300 * time.Millisecond

// budgetExceededMsg is recorded on every task the breaker touches.
const budgetExceededMsg = "budget limit exceeded"

// OwnershipError reports a planned file claimed by more than one task of the
// same stage. The stage is refused before any task launches.
type OwnershipError struct {
	Path    string
	TaskIDs []string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("file %s is claimed by tasks %s", e.Path, strings.Join(e.TaskIDs, " and "))
}

// Config tunes stage execution.
type Config struct {
	MaxConcurrency   int
	TaskTimeout      time.Duration
	BudgetLimitUSD   float64
	PollInterval     time.Duration
	FileChangesLimit int
	Model            string
	Provider         string
}

// Input is one stage execution request. Seed carries task progress from a
// previous run of the same stage (resume or stage recovery); seeded tasks
// that already completed are not redispatched. OnProgress, when set, receives
// a snapshot of the progress map after every poll cycle.
type Input struct {
	SessionID    string
	Stage        models.Stage
	StageIndex   int
	Objective    string
	PriorContext string
	Seed         map[string]*models.TaskProgress
	OnProgress   func(progress map[string]*models.TaskProgress)
}

// Scheduler runs stages against a worker pool.
type Scheduler struct {
	pool    worker.Pool
	cfg     Config
	bus     *events.Publisher
	metrics *metrics.Registry
	logger  *slog.Logger
}

func New(pool worker.Pool, cfg Config, bus *events.Publisher, reg *metrics.Registry) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = worker.DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FileChangesLimit <= 0 {
		cfg.FileChangesLimit = models.DefaultFileChangesLimit
	}
	return &Scheduler{
		pool:    pool,
		cfg:     cfg,
		bus:     bus,
		metrics: reg,
		logger:  slog.Default().With("component", "scheduler"),
	}
}

// RunStage executes the stage to its barrier: it returns once every task is
// terminal, the budget breaker fired, or ctx was cancelled. A non-nil summary
// is returned even on cancellation so the caller can persist partial
// progress; ownership refusal returns a nil summary and no task is launched.
func (s *Scheduler) RunStage(ctx context.Context, in Input) (*models.StageSummary, error) {
	stage := in.Stage

	if err := checkOwnership(stage); err != nil {
		s.bus.PublishStageStarted(in.SessionID, events.StageStartedPayload{
			StageID:    stage.StageID,
			StageIndex: in.StageIndex,
			StageName:  stage.Name,
			TaskCount:  len(stage.Tasks),
			Error:      err.Error(),
		})
		s.bus.PublishAlert(in.SessionID, events.AlertPayload{
			Kind:    events.AlertFileOwnershipViolation,
			Message: err.Error(),
			StageID: stage.StageID,
		})
		s.logger.Error("Stage refused: planned file ownership violation",
			"session_id", in.SessionID,
			"stage_id", stage.StageID,
			"error", err)
		return nil, err
	}

	run := newStageRun(in)

	s.bus.PublishStageStarted(in.SessionID, events.StageStartedPayload{
		StageID:    stage.StageID,
		StageIndex: in.StageIndex,
		StageName:  stage.Name,
		TaskCount:  len(stage.Tasks),
	})
	s.logger.Info("Stage started",
		"session_id", in.SessionID,
		"stage_id", stage.StageID,
		"stage_index", in.StageIndex,
		"tasks", len(stage.Tasks),
		"max_concurrency", s.cfg.MaxConcurrency)

	started := time.Now()
	var runErr error

loop:
	for {
		s.pool.Tick(worker.TickConfig{MaxParallel: s.cfg.MaxConcurrency})

		s.dispatch(ctx, in, run)
		s.pollInFlight(in, run)

		if s.cfg.BudgetLimitUSD > 0 && run.spentUSD() >= s.cfg.BudgetLimitUSD {
			s.tripBudgetBreaker(in, run)
			break
		}

		if in.OnProgress != nil {
			in.OnProgress(run.snapshot())
		}

		if run.activeCount() == 0 {
			break
		}

		select {
		case <-ctx.Done():
			s.cancelInFlight(run, "stage cancelled")
			runErr = ctx.Err()
			break loop
		case <-time.After(s.cfg.PollInterval):
		}
	}

	if in.OnProgress != nil {
		in.OnProgress(run.snapshot())
	}

	summary := run.summary()
	s.metrics.ObserveStageDuration(time.Since(started))
	s.bus.PublishStageFinished(in.SessionID, events.StageFinishedPayload{
		StageID:      stage.StageID,
		AllSuccess:   summary.AllSuccess,
		SuccessCount: summary.SuccessCount,
		FailCount:    summary.FailCount,
		RetryCount:   summary.RetryCount,
		TotalCost:    summary.TotalCost,
	})
	s.logger.Info("Stage finished",
		"session_id", in.SessionID,
		"stage_id", stage.StageID,
		"all_success", summary.AllSuccess,
		"success_count", summary.SuccessCount,
		"fail_count", summary.FailCount,
		"retry_count", summary.RetryCount,
		"total_cost_usd", summary.TotalCost)
	return summary, runErr
}

// dispatch launches pending and retrying tasks in plan order until the
// concurrency bound or pool capacity is reached.
func (s *Scheduler) dispatch(ctx context.Context, in Input, run *stageRun) {
	for _, id := range run.order {
		if len(run.handles) >= s.cfg.MaxConcurrency {
			return
		}
		tp := run.progress[id]
		if tp.Status != models.TaskPending && tp.Status != models.TaskRetrying {
			continue
		}

		task := run.tasks[id]
		tp.Attempt++
		req := agent.Request{
			SessionID:    in.SessionID,
			SubSessionID: fmt.Sprintf("%s_%s_a%d", in.SessionID, id, tp.Attempt),
			Prompt:       buildTaskPrompt(in, task, tp),
			Model:        s.cfg.Model,
			Provider:     s.cfg.Provider,
			StageID:      in.Stage.StageID,
			TaskID:       id,
			PlannedFiles: task.PlannedFiles,
			Attempt:      tp.Attempt,
			Timeout:      taskTimeout(task, s.cfg.TaskTimeout),
		}

		handle, err := s.pool.Launch(ctx, req)
		if errors.Is(err, worker.ErrAtCapacity) {
			tp.Attempt--
			return
		}
		if err != nil {
			tp.Attempt--
			tp.LastError = fmt.Sprintf("launch failed: %v", err)
			s.logger.Warn("Task launch failed",
				"session_id", in.SessionID,
				"task_id", id,
				"error", err)
			continue
		}

		tp.Status = models.TaskRunning
		run.handles[id] = handle
		if tp.Attempt > 1 {
			run.retryDispatches++
			s.metrics.IncTaskRetry()
		}
		s.metrics.IncTaskDispatch()
		s.bus.PublishStageTaskDispatched(in.SessionID, events.StageTaskDispatchedPayload{
			StageID: in.Stage.StageID,
			TaskID:  id,
			Attempt: tp.Attempt,
		})
		s.logger.Info("Task dispatched",
			"session_id", in.SessionID,
			"stage_id", in.Stage.StageID,
			"task_id", id,
			"attempt", tp.Attempt)
	}

	if run.retryDispatches >= run.retryStormThreshold && !run.retryStormAlerted {
		run.retryStormAlerted = true
		s.bus.PublishAlert(in.SessionID, events.AlertPayload{
			Kind:    events.AlertRetryStorm,
			Message: fmt.Sprintf("stage %s has redispatched tasks %d times", in.Stage.StageID, run.retryDispatches),
			StageID: in.Stage.StageID,
		})
	}
}

// pollInFlight advances every launched worker whose turn has finished.
func (s *Scheduler) pollInFlight(in Input, run *stageRun) {
	for id, handle := range run.handles {
		st, err := s.pool.Poll(handle)
		if err != nil {
			delete(run.handles, id)
			s.finishAttempt(in, run, id, &worker.PollStatus{
				Status: models.ResultError,
				Err:    fmt.Sprintf("worker lost: %v", err),
			})
			continue
		}
		if st.Status == models.ResultRunning {
			continue
		}
		delete(run.handles, id)
		s.finishAttempt(in, run, id, st)
	}
}

// finishAttempt merges one terminal worker result into the task's progress
// and decides completion, retry or failure.
func (s *Scheduler) finishAttempt(in Input, run *stageRun, taskID string, st *worker.PollStatus) {
	tp := run.progress[taskID]
	task := run.tasks[taskID]
	result := st.Result

	if result != nil {
		tp.CompletedFiles = unionPaths(tp.CompletedFiles, models.NormalizePaths(result.CompletedFiles))
		if result.RemainingFiles != nil {
			tp.RemainingFiles = models.NormalizePaths(result.RemainingFiles)
		} else {
			tp.RemainingFiles = subtractPaths(task.PlannedFiles, tp.CompletedFiles)
		}
		stamped := models.StampFileChanges(result.FileChanges, in.Stage.StageID, taskID)
		tp.FileChanges = models.MergeFileChanges(tp.FileChanges, stamped, s.cfg.FileChangesLimit)
		tp.LastReply = result.Reply
		tp.LastCost = result.Cost
		run.totalCost += result.Cost
		run.toolEvents += len(result.ToolCalls)
		s.metrics.AddRunCost(result.Cost)
		if models.ContainsCompletionSentinel(result.Reply) {
			run.markerSeen = true
		}
		s.auditOwnership(in, run, taskID, result)
	} else {
		tp.RemainingFiles = subtractPaths(task.PlannedFiles, tp.CompletedFiles)
	}

	switch st.Status {
	case models.ResultCompleted:
		if len(tp.RemainingFiles) == 0 {
			tp.Status = models.TaskCompleted
			tp.LastError = ""
		} else {
			s.failAttempt(tp, task, fmt.Sprintf("incomplete: %d planned files remaining", len(tp.RemainingFiles)))
		}
	case models.ResultCancelled:
		tp.Status = models.TaskCancelled
		tp.LastError = attemptError(st, "task cancelled")
	default: // error, interrupted
		s.failAttempt(tp, task, attemptError(st, "task failed"))
	}

	cost := 0.0
	if result != nil {
		cost = result.Cost
	}
	s.bus.PublishStageTaskFinished(in.SessionID, events.StageTaskFinishedPayload{
		StageID: in.Stage.StageID,
		TaskID:  taskID,
		Status:  string(tp.Status),
		Attempt: tp.Attempt,
		Cost:    cost,
		Error:   tp.LastError,
	})
	s.logger.Info("Task attempt finished",
		"session_id", in.SessionID,
		"stage_id", in.Stage.StageID,
		"task_id", taskID,
		"attempt", tp.Attempt,
		"status", tp.Status,
		"cost_usd", cost)
}

// failAttempt marks the attempt failed and schedules a retry while the task
// still has retry budget.
func (s *Scheduler) failAttempt(tp *models.TaskProgress, task models.PlanTask, reason string) {
	tp.LastError = reason
	if tp.Attempt <= task.MaxRetries {
		tp.Status = models.TaskRetrying
	} else {
		tp.Status = models.TaskError
	}
}

// auditOwnership flags reported edits to files planned by a different task of
// the same stage. The violation is surfaced, not fatal: the files are already
// written.
func (s *Scheduler) auditOwnership(in Input, run *stageRun, taskID string, result *models.TaskResult) {
	for _, fc := range result.FileChanges {
		path := models.NormalizePath(fc.Path)
		owner, ok := run.fileOwner[path]
		if !ok || owner == taskID {
			continue
		}
		msg := fmt.Sprintf("task %s modified %s, which is planned for task %s", taskID, path, owner)
		s.logger.Warn("File ownership violation detected at runtime",
			"session_id", in.SessionID,
			"stage_id", in.Stage.StageID,
			"task_id", taskID,
			"path", path,
			"owner", owner)
		s.bus.PublishAlert(in.SessionID, events.AlertPayload{
			Kind:    events.AlertFileOwnershipViolation,
			Message: msg,
			StageID: in.Stage.StageID,
			TaskID:  taskID,
		})
	}
}

// tripBudgetBreaker terminates the stage once spend reaches the limit:
// waiting tasks become errors, running tasks are cancelled.
func (s *Scheduler) tripBudgetBreaker(in Input, run *stageRun) {
	for _, id := range run.order {
		tp := run.progress[id]
		switch tp.Status {
		case models.TaskPending, models.TaskRetrying:
			tp.Status = models.TaskError
			tp.LastError = budgetExceededMsg
		case models.TaskRunning:
			if handle, ok := run.handles[id]; ok {
				s.pool.Cancel(handle)
				delete(run.handles, id)
			}
			tp.Status = models.TaskCancelled
			tp.LastError = budgetExceededMsg
		}
	}

	msg := fmt.Sprintf("stage %s spent %.2f USD of a %.2f USD budget",
		in.Stage.StageID, run.spentUSD(), s.cfg.BudgetLimitUSD)
	s.metrics.IncBudgetBreaker()
	s.bus.PublishAlert(in.SessionID, events.AlertPayload{
		Kind:    events.AlertBudgetBreaker,
		Message: msg,
		StageID: in.Stage.StageID,
	})
	s.logger.Error("Budget breaker tripped",
		"session_id", in.SessionID,
		"stage_id", in.Stage.StageID,
		"spent_usd", run.spentUSD(),
		"limit_usd", s.cfg.BudgetLimitUSD)
}

// cancelInFlight cancels launched workers after ctx cancellation.
func (s *Scheduler) cancelInFlight(run *stageRun, reason string) {
	for id, handle := range run.handles {
		s.pool.Cancel(handle)
		delete(run.handles, id)
		tp := run.progress[id]
		if tp.Status == models.TaskRunning {
			tp.Status = models.TaskCancelled
			tp.LastError = reason
		}
	}
}

func taskTimeout(task models.PlanTask, fallback time.Duration) time.Duration {
	if task.TimeoutMs > 0 {
		return time.Duration(task.TimeoutMs) * time.Millisecond
	}
	return fallback
}

func attemptError(st *worker.PollStatus, fallback string) string {
	if st.Err != "" {
		return st.Err
	}
	if st.Result != nil && st.Result.Error != "" {
		return st.Result.Error
	}
	return fallback
}

// ──────────────────────────────────────────────
// stage run bookkeeping
// ──────────────────────────────────────────────

type stageRun struct {
	stageID   string
	order     []string
	tasks     map[string]models.PlanTask
	progress  map[string]*models.TaskProgress
	handles   map[string]string
	fileOwner map[string]string

	totalCost  float64
	toolEvents int
	markerSeen bool

	retryDispatches     int
	retryStormThreshold int
	retryStormAlerted   bool
}

func newStageRun(in Input) *stageRun {
	run := &stageRun{
		stageID:   in.Stage.StageID,
		tasks:     make(map[string]models.PlanTask, len(in.Stage.Tasks)),
		progress:  make(map[string]*models.TaskProgress, len(in.Stage.Tasks)),
		handles:   make(map[string]string),
		fileOwner: make(map[string]string),
	}

	for _, task := range in.Stage.Tasks {
		run.order = append(run.order, task.TaskID)
		run.tasks[task.TaskID] = task
		for _, f := range task.PlannedFiles {
			run.fileOwner[models.NormalizePath(f)] = task.TaskID
		}

		if seed, ok := in.Seed[task.TaskID]; ok && seed != nil {
			tp := seed.Clone()
			tp.TaskID = task.TaskID
			tp.StageID = in.Stage.StageID
			tp.PlannedFiles = task.PlannedFiles
			// Workers from a previous process are gone; their tasks go
			// back through the retry path with the attempt count kept.
			if tp.Status == models.TaskRunning {
				tp.Status = models.TaskRetrying
			}
			run.progress[task.TaskID] = tp
			continue
		}
		run.progress[task.TaskID] = &models.TaskProgress{
			TaskID:       task.TaskID,
			StageID:      in.Stage.StageID,
			Status:       models.TaskPending,
			PlannedFiles: task.PlannedFiles,
		}
	}

	run.retryStormThreshold = 2 * len(in.Stage.Tasks)
	if run.retryStormThreshold < 4 {
		run.retryStormThreshold = 4
	}
	return run
}

func (r *stageRun) activeCount() int {
	n := 0
	for _, tp := range r.progress {
		switch tp.Status {
		case models.TaskPending, models.TaskRetrying, models.TaskRunning:
			n++
		}
	}
	return n
}

func (r *stageRun) spentUSD() float64 {
	sum := 0.0
	for _, tp := range r.progress {
		sum += tp.LastCost
	}
	return sum
}

func (r *stageRun) snapshot() map[string]*models.TaskProgress {
	out := make(map[string]*models.TaskProgress, len(r.progress))
	for id, tp := range r.progress {
		out[id] = tp.Clone()
	}
	return out
}

func (r *stageRun) summary() *models.StageSummary {
	summary := &models.StageSummary{
		StageID:              r.stageID,
		CompletionMarkerSeen: r.markerSeen,
		TotalCost:            r.totalCost,
		ToolEvents:           r.toolEvents,
		TaskProgress:         r.snapshot(),
	}

	remaining := make(map[string]struct{})
	for _, id := range r.order {
		tp := r.progress[id]
		switch tp.Status {
		case models.TaskCompleted:
			summary.SuccessCount++
		case models.TaskError, models.TaskCancelled:
			summary.FailCount++
		}
		if tp.Attempt > 1 {
			summary.RetryCount += tp.Attempt - 1
		}
		for _, f := range tp.RemainingFiles {
			remaining[f] = struct{}{}
		}
		summary.FileChanges = models.MergeFileChanges(summary.FileChanges, tp.FileChanges, models.DefaultFileChangesLimit)
	}

	summary.AllSuccess = summary.SuccessCount == len(r.order)
	for f := range remaining {
		summary.RemainingFiles = append(summary.RemainingFiles, f)
	}
	sort.Strings(summary.RemainingFiles)
	return summary
}

// checkOwnership verifies that no planned file appears in two tasks of the
// stage.
func checkOwnership(stage models.Stage) error {
	owners := make(map[string][]string)
	for _, task := range stage.Tasks {
		for _, f := range task.PlannedFiles {
			path := models.NormalizePath(f)
			owners[path] = append(owners[path], task.TaskID)
		}
	}
	paths := make([]string, 0, len(owners))
	for path := range owners {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if ids := owners[path]; len(ids) > 1 {
			return &OwnershipError{Path: path, TaskIDs: ids}
		}
	}
	return nil
}

func unionPaths(a, b []string) []string {
	return models.NormalizePaths(append(append([]string{}, a...), b...))
}

func subtractPaths(all, done []string) []string {
	doneSet := make(map[string]struct{}, len(done))
	for _, f := range models.NormalizePaths(done) {
		doneSet[f] = struct{}{}
	}
	var out []string
	for _, f := range models.NormalizePaths(all) {
		if _, ok := doneSet[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}
