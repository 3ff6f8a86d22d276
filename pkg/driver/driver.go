// Package driver runs one session end to end: intake and plan freeze, the
// barrier-synchronized stage loop with bounded recovery, and the quality-gate
// verification that decides completion. All durable progress goes through the
// state store, so a crashed or stopped run resumes from where it left off
// instead of starting over.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/gates"
	"github.com/kkelly-offical/kkcode-sub002/pkg/gitops"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/plan"
	"github.com/kkelly-offical/kkcode-sub002/pkg/scheduler"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// Recovery waits double per attempt from the base up to the cap, for both
// stage recovery and the gate-remediation loop.
const (
	recoveryBackoffBase = time.Second
	recoveryBackoffMax  = 30 * time.Second
)

// checkpointMaxKeep bounds the rolling checkpoints kept per session; stage
// checkpoints are exempt from pruning.
const checkpointMaxKeep = 10

// StageRunner executes one stage to its barrier. *scheduler.Scheduler is the
// production implementation.
type StageRunner interface {
	RunStage(ctx context.Context, in scheduler.Input) (*models.StageSummary, error)
}

// Deps wires the driver's collaborators. Planner, Prompter, Git, Bus and
// Metrics are optional: without a planner every run gets the fallback plan,
// without a prompter the intake and gate-selection dialogues are skipped, and
// without git the run is never branch-gated.
type Deps struct {
	Store       *state.Store
	Checkpoints *checkpoint.Store
	Scheduler   StageRunner
	Agent       agent.Agent
	Planner     plan.Planner
	Prompter    gates.Prompter
	Git         *gitops.Runner
	Bus         *events.Publisher
	Metrics     *metrics.Registry
	// ProjectDir anchors gate scripts and gate preferences. Defaults to the
	// configured state project dir.
	ProjectDir string
}

// Driver is the session state machine.
type Driver struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg *config.Config, deps Deps) *Driver {
	return &Driver{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "driver"),
	}
}

// runState carries the per-run values that are deliberately not persisted:
// usage accounting, the final reply, the prompt-context accumulator and the
// stuck detectors. A resumed run starts these fresh and rebuilds the prompt
// context from persisted progress.
type runState struct {
	startedAt  time.Time
	usage      models.Usage
	toolEvents int
	reply      string

	prior *priorContext
	stuck stuckDetector
	loop  toolLoopDetector

	gates       *gates.Runner
	gateAttempt int
	markerSeen  bool
	recoveries  int

	maxIterWarned bool
}

// Run drives the session until a terminal status, a durable stop request, or
// ctx cancellation. The returned result is always non-nil when the session
// exists; controllable failures (blocked objective, stage abort, gate
// exhaustion) surface in Result.Status, never as errors.
func (d *Driver) Run(ctx context.Context, sessionID, objective string) (*models.DriverResult, error) {
	run := &runState{
		startedAt: time.Now(),
		prior:     newPriorContext(),
		stuck:     stuckDetector{warn: d.cfg.NoProgressWarning, limit: d.cfg.NoProgressLimit},
	}
	log := d.logger.With("session_id", sessionID)

	st, err := d.deps.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st != nil && st.Status.IsTerminal() && st.RetryStageID == "" {
		log.Info("Session is already terminal", "status", st.Status)
		return d.buildResult(run, st), nil
	}

	st, err = d.claim(ctx, sessionID, objective, st)
	if err != nil {
		return nil, err
	}
	run.prior.rebuild(st)
	log.Info("Driver loop starting",
		"phase", st.Phase,
		"stage_index", st.StageIndex,
		"iterations", st.Iterations)

	for {
		if err := ctx.Err(); err != nil {
			return d.buildResult(run, st), err
		}

		// Fresh read every iteration: stop requests and stage retries arrive
		// from other processes through the state file.
		fresh, err := d.deps.Store.Get(ctx, sessionID)
		if err != nil {
			return d.buildResult(run, st), err
		}
		if fresh == nil {
			return d.buildResult(run, st), fmt.Errorf("session %s disappeared from the state store", sessionID)
		}
		st = fresh

		if st.StopRequested {
			return d.finishStopped(ctx, run, st)
		}
		if st.RetryStageID != "" {
			st, err = d.applyStageRetry(ctx, run, st)
			if err != nil {
				return d.buildResult(run, st), err
			}
		}

		iteration := st.Iterations + 1
		st, err = d.deps.Store.Update(ctx, sessionID, models.SessionPatch{
			Iterations:  models.Ptr(iteration),
			HeartbeatAt: models.Ptr(time.Now().UTC()),
		})
		if err != nil {
			return d.buildResult(run, st), err
		}
		if d.cfg.MaxIterations > 0 && iteration > d.cfg.MaxIterations && !run.maxIterWarned {
			run.maxIterWarned = true
			log.Warn("Iteration cap exceeded, continuing",
				"iteration", iteration,
				"max_iterations", d.cfg.MaxIterations)
		}
		if d.cfg.CheckpointInterval > 0 && iteration%d.cfg.CheckpointInterval == 0 {
			d.saveCheckpoint(ctx, st, models.CheckpointLatest)
		}

		var done bool
		switch st.Phase {
		case models.PhaseIntake:
			done, err = d.handleIntake(ctx, run, st)
		case models.PhasePlanFrozen:
			done, err = d.handlePlanFrozen(ctx, run, st)
		case models.PhaseScaffolding:
			done, err = d.handleScaffold(ctx, run, st)
		case models.PhaseStageRunning:
			done, err = d.handleStage(ctx, run, st)
		case models.PhaseStageRecover:
			done, err = d.handleStageRecover(ctx, run, st)
		case models.PhaseGateCheck:
			done, err = d.handleGates(ctx, run, st)
		case models.PhaseGateRecovery:
			done, err = d.handleGateRecovery(ctx, run, st)
		case models.PhaseTerminal:
			done = true
		default:
			done, err = d.failRun(ctx, run, st, models.StatusError, fmt.Sprintf("unknown phase %q", st.Phase))
		}
		if err != nil {
			if !isCtxErr(err) {
				log.Error("Driver iteration failed", "phase", st.Phase, "error", err)
			}
			return d.refreshResult(ctx, run, st), err
		}
		if done {
			result := d.refreshResult(ctx, run, st)
			d.finishCheckpoint(ctx, sessionID)
			log.Info("Run finished",
				"status", result.Status,
				"iterations", result.Iterations,
				"stages_done", result.StageProgress.Done,
				"cost_usd", result.Usage.TotalCostUSD,
				"elapsed_s", result.Elapsed)
			return result, nil
		}
	}
}

// claim creates the session on first run or adopts it on resume, recording
// the owning pid so stale-lock and orphan detection can tell a crashed run
// from a live one.
func (d *Driver) claim(ctx context.Context, sessionID, objective string, st *models.SessionState) (*models.SessionState, error) {
	patch := models.SessionPatch{
		Status:      models.Ptr(models.StatusRunning),
		PID:         models.Ptr(os.Getpid()),
		HeartbeatAt: models.Ptr(time.Now().UTC()),
	}
	if st == nil || st.Objective == "" {
		patch.Objective = models.Ptr(objective)
	}
	return d.deps.Store.Update(ctx, sessionID, patch)
}

// applyStageRetry consumes the retry flag and rewinds the plan to the
// requested stage. The rewind drops progress for that stage and every later
// one inside a single lock-held critical section, so concurrent writers never
// observe a half-applied rewind.
func (d *Driver) applyStageRetry(ctx context.Context, run *runState, st *models.SessionState) (*models.SessionState, error) {
	prevPhase := st.Phase
	var out *models.SessionState
	err := d.deps.Store.WithLock(ctx, func(tx *state.Tx) error {
		cur, err := tx.Get(st.SessionID)
		if err != nil {
			return err
		}
		if cur == nil || cur.RetryStageID == "" {
			out = cur
			return nil
		}
		idx := cur.StagePlan.StageIndexByID(cur.RetryStageID)
		if idx < 0 {
			d.logger.Warn("Ignoring retry for unknown stage",
				"session_id", cur.SessionID,
				"stage_id", cur.RetryStageID)
			out, err = tx.Update(cur.SessionID, models.SessionPatch{RetryStageID: models.Ptr("")})
			return err
		}

		progress := make(map[string]*models.TaskProgress, len(cur.TaskProgress))
		for id, tp := range cur.TaskProgress {
			progress[id] = tp
		}
		for _, id := range cur.StagePlan.TaskIDsFromStage(idx) {
			delete(progress, id)
		}

		out, err = tx.Update(cur.SessionID, models.SessionPatch{
			RetryStageID:   models.Ptr(""),
			StageIndex:     models.Ptr(idx),
			CurrentStageID: models.Ptr(cur.RetryStageID),
			TaskProgress:   progress,
			GateStatus:     map[string]models.GateResult{},
			CurrentGate:    models.Ptr(""),
			RecoveryCount:  models.Ptr(0),
			Status:         models.Ptr(models.StatusRunning),
			Phase:          models.Ptr(models.PhaseStageRunning),
		})
		return err
	})
	if err != nil {
		return st, err
	}
	if out == nil {
		return st, nil
	}

	run.stuck.reset()
	run.gateAttempt = 0
	if run.gates != nil {
		run.gates.ClearCache(st.SessionID)
	}
	run.prior = newPriorContext()
	run.prior.rebuild(out)

	if out.Phase != prevPhase {
		d.deps.Bus.PublishPhaseChanged(out.SessionID, events.PhaseChangedPayload{
			From:      prevPhase,
			To:        out.Phase,
			Iteration: out.Iterations,
		})
	}
	d.logger.Info("Stage retry applied",
		"session_id", out.SessionID,
		"stage_id", out.CurrentStageID,
		"stage_index", out.StageIndex)
	return out, nil
}

// handlePlanFrozen decides whether the run needs the one-time scaffold turn
// before the first stage.
func (d *Driver) handlePlanFrozen(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	next := models.PhaseStageRunning
	if d.cfg.Scaffold.IsEnabled() && st.StageIndex == 0 && len(st.TaskProgress) == 0 {
		next = models.PhaseScaffolding
	}
	_, err := d.setPhase(ctx, st, next, models.SessionPatch{})
	return false, err
}

// handleScaffold runs the skeleton turn: directories, manifests and
// placeholder files, so the first stage's parallel tasks never race to create
// shared structure. A failed scaffold downgrades to running without one.
func (d *Driver) handleScaffold(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	res, err := d.singleTurn(ctx, run, st, "scaffold", buildScaffoldPrompt(st.Objective, st.StagePlan))
	if err != nil {
		if isCtxErr(err) {
			return false, err
		}
		d.logger.Warn("Scaffold turn failed, continuing without a skeleton",
			"session_id", st.SessionID, "error", err)
	} else if len(res.FileChanges) > 0 {
		stamped := models.StampFileChanges(res.FileChanges, "", "scaffold")
		merged := models.MergeFileChanges(st.FileChanges, stamped, d.cfg.FileChangesLimit)
		if _, err := d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{FileChanges: merged}); err != nil {
			return false, err
		}
	}
	_, err = d.setPhase(ctx, st, models.PhaseStageRunning, models.SessionPatch{})
	return false, err
}

// handleStage runs the current stage to its barrier and routes the outcome:
// advance on a pass, bounded recovery on a failure.
func (d *Driver) handleStage(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	p := st.StagePlan
	if p == nil || len(p.Stages) == 0 {
		return d.failRun(ctx, run, st, models.StatusError, "no frozen plan to execute")
	}
	if st.StageIndex >= len(p.Stages) {
		_, err := d.setPhase(ctx, st, models.PhaseGateCheck, models.SessionPatch{CurrentStageID: models.Ptr("")})
		return false, err
	}

	stage := p.Stages[st.StageIndex]
	if st.CurrentStageID != stage.StageID {
		var err error
		st, err = d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{CurrentStageID: models.Ptr(stage.StageID)})
		if err != nil {
			return false, err
		}
	}

	seed := stageSeed(st, stage)
	seedAttempts := attemptTotal(seed)

	summary, runErr := d.deps.Scheduler.RunStage(ctx, scheduler.Input{
		SessionID:    st.SessionID,
		Stage:        stage,
		StageIndex:   st.StageIndex,
		Objective:    st.Objective,
		PriorContext: run.prior.render(p, st.StageIndex, st.TaskProgress),
		Seed:         seed,
		OnProgress:   d.progressSink(ctx, st.SessionID),
	})
	if summary == nil {
		var ownErr *scheduler.OwnershipError
		if errors.As(runErr, &ownErr) {
			// The frozen plan violates stage-level file ownership; nothing
			// was launched and the run cannot proceed.
			return d.failRun(ctx, run, st, models.StatusFailed, runErr.Error())
		}
		return false, runErr
	}

	run.usage.TotalCostUSD += summary.TotalCost
	run.usage.WorkerTurns += attemptTotal(summary.TaskProgress) - seedAttempts
	run.toolEvents += summary.ToolEvents

	st, err := d.persistStageOutcome(ctx, st, summary)
	if err != nil {
		return false, err
	}
	if runErr != nil {
		// Cancelled mid-stage; progress is persisted and the run resumes here.
		return false, runErr
	}

	if summary.AllSuccess {
		return false, d.advanceStage(ctx, run, st, stage, summary)
	}
	return d.enterStageRecovery(ctx, run, st, stage, summary)
}

// progressSink persists scheduler progress snapshots so a crash mid-stage
// reseeds instead of restarting, and keeps the heartbeat fresh while a long
// stage runs.
func (d *Driver) progressSink(ctx context.Context, sessionID string) func(map[string]*models.TaskProgress) {
	return func(snapshot map[string]*models.TaskProgress) {
		err := d.deps.Store.WithLock(ctx, func(tx *state.Tx) error {
			cur, err := tx.Get(sessionID)
			if err != nil || cur == nil {
				return err
			}
			_, err = tx.Update(sessionID, models.SessionPatch{
				TaskProgress: mergeProgress(cur.TaskProgress, snapshot),
				HeartbeatAt:  models.Ptr(time.Now().UTC()),
			})
			return err
		})
		if err != nil {
			d.logger.Warn("Failed to persist stage progress", "session_id", sessionID, "error", err)
		}
	}
}

// persistStageOutcome merges the barrier summary into the session: task
// progress, the capped file-change history, and a fresh heartbeat. The write
// survives caller cancellation so a cancelled stage still records where its
// tasks ended up.
func (d *Driver) persistStageOutcome(ctx context.Context, st *models.SessionState, summary *models.StageSummary) (*models.SessionState, error) {
	return d.deps.Store.Update(context.WithoutCancel(ctx), st.SessionID, models.SessionPatch{
		TaskProgress: mergeProgress(st.TaskProgress, summary.TaskProgress),
		FileChanges:  models.MergeFileChanges(st.FileChanges, summary.FileChanges, d.cfg.FileChangesLimit),
		HeartbeatAt:  models.Ptr(time.Now().UTC()),
	})
}

// advanceStage records a stage pass: prompt context for later stages, the
// per-stage commit and checkpoint, then the next stage or the gate phase.
func (d *Driver) advanceStage(ctx context.Context, run *runState, st *models.SessionState, stage models.Stage, summary *models.StageSummary) error {
	run.prior.recordStage(st.StageIndex, stage, summary)
	run.stuck.reset()
	if st.StageIndex == len(st.StagePlan.Stages)-1 {
		run.markerSeen = summary.CompletionMarkerSeen
	}

	d.commitStage(ctx, st, stage)

	next := st.StageIndex + 1
	patch := models.SessionPatch{
		StageIndex:    models.Ptr(next),
		RecoveryCount: models.Ptr(0),
	}
	nextPhase := models.PhaseStageRunning
	if next >= len(st.StagePlan.Stages) {
		nextPhase = models.PhaseGateCheck
		patch.CurrentStageID = models.Ptr("")
	} else {
		patch.CurrentStageID = models.Ptr(st.StagePlan.Stages[next].StageID)
	}

	st, err := d.setPhase(ctx, st, nextPhase, patch)
	if err != nil {
		return err
	}
	d.saveCheckpoint(ctx, st, models.StageCheckpointPrefix+stage.StageID)
	return nil
}

// commitStage makes the per-stage commit when git gating is active. Commit
// failures downgrade, they never fail the stage.
func (d *Driver) commitStage(ctx context.Context, st *models.SessionState, stage models.Stage) {
	if !st.GitActive || d.deps.Git == nil || !d.cfg.Git.ShouldCommitPerStage() {
		return
	}
	if res := d.deps.Git.Commit(ctx, gitops.CommitMessage(stage.StageID, stage.Name)); !res.OK {
		d.logger.Warn("Stage commit failed",
			"session_id", st.SessionID,
			"stage_id", stage.StageID,
			"message", res.Message)
	}
}

// enterStageRecovery decides between another recovery cycle and aborting the
// stage. The no-progress detector can abort earlier than the recovery cap
// when consecutive cycles change nothing at all.
func (d *Driver) enterStageRecovery(ctx context.Context, run *runState, st *models.SessionState, stage models.Stage, summary *models.StageSummary) (bool, error) {
	warned, stuck := run.stuck.observe(stageSignature(st))
	if warned {
		d.deps.Bus.PublishAlert(st.SessionID, events.AlertPayload{
			Kind:    events.AlertStuckWarning,
			Message: fmt.Sprintf("stage %s has made no progress across %d consecutive runs", stage.StageID, d.cfg.NoProgressWarning),
			StageID: stage.StageID,
		})
	}
	if stuck {
		d.deps.Bus.PublishAlert(st.SessionID, events.AlertPayload{
			Kind:    events.AlertStageAborted,
			Message: fmt.Sprintf("stage %s aborted: no progress across %d consecutive runs", stage.StageID, d.cfg.NoProgressLimit),
			StageID: stage.StageID,
		})
		return d.failRun(ctx, run, st, models.StatusFailed,
			fmt.Sprintf("stage %s aborted after %d runs without progress", stage.StageID, d.cfg.NoProgressLimit))
	}

	count := st.RecoveryCount + 1
	if count > d.cfg.MaxStageRecoveries {
		d.deps.Bus.PublishAlert(st.SessionID, events.AlertPayload{
			Kind:    events.AlertStageAborted,
			Message: fmt.Sprintf("stage %s exhausted %d recovery attempts", stage.StageID, d.cfg.MaxStageRecoveries),
			StageID: stage.StageID,
		})
		return d.failRun(ctx, run, st, models.StatusFailed,
			fmt.Sprintf("stage %s failed: %d tasks still failing after %d recovery attempts",
				stage.StageID, summary.FailCount, st.RecoveryCount))
	}

	run.recoveries++
	backoff := recoveryBackoff(count)
	d.deps.Bus.PublishRecoveryEntered(st.SessionID, events.RecoveryEnteredPayload{
		StageID:       stage.StageID,
		RecoveryCount: count,
		Reason:        fmt.Sprintf("%d of %d tasks failed", summary.FailCount, len(stage.Tasks)),
		BackoffMs:     backoff.Milliseconds(),
	})
	d.logger.Warn("Stage entering recovery",
		"session_id", st.SessionID,
		"stage_id", stage.StageID,
		"recovery_count", count,
		"backoff", backoff)
	_, err := d.setPhase(ctx, st, models.PhaseStageRecover, models.SessionPatch{RecoveryCount: models.Ptr(count)})
	return false, err
}

// handleStageRecover waits out the backoff, then puts the stage's failed
// tasks back through the retry path with a fresh attempt budget. Completed
// tasks keep their results.
func (d *Driver) handleStageRecover(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	if err := sleepCtx(ctx, recoveryBackoff(st.RecoveryCount)); err != nil {
		return false, err
	}
	if st.StagePlan == nil || st.StageIndex >= len(st.StagePlan.Stages) {
		_, err := d.setPhase(ctx, st, models.PhaseGateCheck, models.SessionPatch{})
		return false, err
	}
	stage := st.StagePlan.Stages[st.StageIndex]

	progress := make(map[string]*models.TaskProgress, len(st.TaskProgress))
	for id, tp := range st.TaskProgress {
		progress[id] = tp
	}
	for _, id := range stage.TaskIDs() {
		tp := progress[id]
		if tp == nil {
			continue
		}
		if tp.Status == models.TaskError || tp.Status == models.TaskCancelled {
			reset := tp.Clone()
			reset.Status = models.TaskRetrying
			reset.Attempt = 0
			progress[id] = reset
		}
	}
	_, err := d.setPhase(ctx, st, models.PhaseStageRunning, models.SessionPatch{TaskProgress: progress})
	return false, err
}

// handleGates runs one verification pass over the quality gates. The first
// pass of a run is preceded by the gate-selection dialogue and, when the
// final stage never surfaced the completion sentinel, one confirmation turn.
func (d *Driver) handleGates(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	if run.gates == nil {
		if err := d.prepareGates(ctx, run, st); err != nil {
			return false, err
		}
	}

	run.gateAttempt++
	report := run.gates.Run(ctx, st.SessionID, run.gateAttempt)

	currentGate := ""
	if len(report.Failures) > 0 {
		currentGate = report.Failures[0].Gate
	}
	st, err := d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{
		GateStatus:  report.Gates,
		CurrentGate: models.Ptr(currentGate),
		HeartbeatAt: models.Ptr(time.Now().UTC()),
	})
	if err != nil {
		return false, err
	}

	if report.AllPass {
		return d.finishCompleted(ctx, run, st)
	}
	if run.gateAttempt >= d.cfg.MaxGateAttempts {
		return d.failRun(ctx, run, st, models.StatusFailed,
			fmt.Sprintf("quality gate %s still failing after %d attempts", currentGate, run.gateAttempt))
	}

	backoff := recoveryBackoff(run.gateAttempt)
	d.deps.Bus.PublishRecoveryEntered(st.SessionID, events.RecoveryEnteredPayload{
		RecoveryCount: run.gateAttempt,
		Reason:        "quality gate " + currentGate + " failing",
		BackoffMs:     backoff.Milliseconds(),
	})
	_, err = d.setPhase(ctx, st, models.PhaseGateRecovery, models.SessionPatch{})
	return false, err
}

// prepareGates assembles the gate runner for this run and, when the stages
// never surfaced the completion sentinel, asks the agent once whether the
// objective is done. The sentinel is advisory either way: the gate verdict
// decides completion.
func (d *Driver) prepareGates(ctx context.Context, run *runState, st *models.SessionState) error {
	overrides, err := d.resolveGateSelection(ctx, st)
	if err != nil {
		return err
	}
	checks := gates.BuildChecks(d.cfg.Gates, gates.Deps{
		ProjectDir: d.projectDir(),
		Store:      d.deps.Store,
		Cost:       func(string) float64 { return run.usage.TotalCostUSD },
	}, overrides)
	run.gates = gates.NewRunner(checks, d.deps.Bus, d.deps.Metrics)

	if !run.markerSeen {
		res, err := d.singleTurn(ctx, run, st, "confirm", buildConfirmCompletionPrompt(st.Objective))
		switch {
		case isCtxErr(err):
			return err
		case err != nil:
			d.logger.Warn("Completion confirmation turn failed, gates decide",
				"session_id", st.SessionID, "error", err)
		default:
			run.reply = res.Reply
			if !models.ContainsCompletionSentinel(res.Reply) {
				d.logger.Info("Agent did not confirm completion, gates decide", "session_id", st.SessionID)
			}
		}
		run.markerSeen = true // one confirmation per run
	}
	return nil
}

// resolveGateSelection applies the prompt_user policy: first_run asks only
// while no selection is saved, always asks on every run, never skips the
// dialogue. Serve mode has no prompter and keeps the configured enablement.
func (d *Driver) resolveGateSelection(ctx context.Context, st *models.SessionState) (map[string]bool, error) {
	saved, err := gates.LoadPreferences(d.projectDir())
	if err != nil {
		d.logger.Warn("Ignoring unreadable gate preferences", "error", err)
		saved = nil
	}

	ask := false
	switch d.cfg.Gates.PromptUser {
	case config.PromptAlways:
		ask = true
	case config.PromptNever:
	default: // first_run
		ask = saved == nil
	}
	if !ask || d.deps.Prompter == nil {
		return saved, nil
	}

	current := d.effectiveEnablement(saved)
	reply, err := d.deps.Prompter.Ask(ctx, gates.BuildSelectionPrompt(current))
	if err != nil {
		if isCtxErr(err) {
			return nil, err
		}
		d.logger.Warn("Gate selection prompt failed, keeping configured gates", "error", err)
		return saved, nil
	}
	selection := gates.ParseSelection(reply)
	if selection == nil {
		return saved, nil
	}
	for name, on := range selection {
		current[name] = on
	}
	if err := gates.SavePreferences(d.projectDir(), current); err != nil {
		d.logger.Warn("Failed to persist gate selection", "error", err)
	}
	d.logger.Info("Gate selection updated", "session_id", st.SessionID, "selection", current)
	return current, nil
}

// effectiveEnablement is the configured enablement with saved preferences
// applied on top.
func (d *Driver) effectiveEnablement(saved map[string]bool) map[string]bool {
	out := map[string]bool{
		gates.GateBuild:  d.cfg.Gates.Build.IsEnabled(),
		gates.GateTest:   d.cfg.Gates.Test.IsEnabled(),
		gates.GateReview: d.cfg.Gates.Review.IsEnabled(),
		gates.GateHealth: d.cfg.Gates.Health.IsEnabled(),
		gates.GateBudget: d.cfg.Gates.Budget.IsEnabled(),
	}
	for name, on := range saved {
		out[name] = on
	}
	return out
}

// handleGateRecovery waits out the backoff, runs one remediation turn against
// the first failing gate, and re-enters verification with a cleared cache so
// every gate is re-proven after the fix.
func (d *Driver) handleGateRecovery(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	if err := sleepCtx(ctx, recoveryBackoff(run.gateAttempt)); err != nil {
		return false, err
	}

	if failure := firstGateFailure(st.GateStatus); failure != nil {
		res, err := d.singleTurn(ctx, run, st, "gate_fix", buildGateRemediationPrompt(st.Objective, *failure))
		switch {
		case isCtxErr(err):
			return false, err
		case err != nil:
			d.logger.Warn("Gate remediation turn failed",
				"session_id", st.SessionID,
				"gate", failure.Gate,
				"error", err)
		case len(res.FileChanges) > 0:
			stamped := models.StampFileChanges(res.FileChanges, "", "gate_fix")
			merged := models.MergeFileChanges(st.FileChanges, stamped, d.cfg.FileChangesLimit)
			if _, err := d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{FileChanges: merged}); err != nil {
				return false, err
			}
		}
	}

	if run.gates != nil {
		run.gates.ClearCache(st.SessionID)
	}
	_, err := d.setPhase(ctx, st, models.PhaseGateCheck, models.SessionPatch{})
	return false, err
}

// firstGateFailure returns the failing gate earliest in the canonical order.
func firstGateFailure(status map[string]models.GateResult) *models.GateFailure {
	for _, name := range gates.GateOrder {
		res, ok := status[name]
		if ok && res.Status == models.GateFail {
			return &models.GateFailure{Gate: name, Status: res.Status, Reason: res.Reason, Output: res.Output}
		}
	}
	return nil
}

// finishCompleted merges the run branch and marks the session completed. The
// merge and the status flip share one lock-held critical section, so a stop
// request racing the final gate pass is honored rather than lost.
func (d *Driver) finishCompleted(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	var stopped bool
	err := d.deps.Store.WithLock(ctx, func(tx *state.Tx) error {
		cur, err := tx.Get(st.SessionID)
		if err != nil {
			return err
		}
		if cur == nil {
			cur = st
		}
		if cur.StopRequested {
			stopped = true
			_, err = tx.Update(st.SessionID, models.SessionPatch{
				Status:        models.Ptr(models.StatusStopped),
				Phase:         models.Ptr(models.PhaseTerminal),
				StopRequested: models.Ptr(false),
			})
			return err
		}

		d.mergeRunBranch(ctx, cur)

		_, err = tx.Update(st.SessionID, models.SessionPatch{
			Status: models.Ptr(models.StatusCompleted),
			Phase:  models.Ptr(models.PhaseTerminal),
		})
		return err
	})
	if err != nil {
		return false, err
	}

	d.deps.Bus.PublishPhaseChanged(st.SessionID, events.PhaseChangedPayload{
		From:      st.Phase,
		To:        models.PhaseTerminal,
		Iteration: st.Iterations,
	})
	if stopped {
		run.reply = "Run stopped on request."
		d.logger.Info("Stop request honored during completion", "session_id", st.SessionID)
		return true, nil
	}
	if run.reply == "" {
		run.reply = "All stages completed and quality gates passed."
	}
	d.logger.Info("Run completed", "session_id", st.SessionID)
	return true, nil
}

// mergeRunBranch folds the feature branch back into the base branch. A failed
// merge keeps the branch, surfaces a git_merge_failed alert, and never blocks
// completion: the work is preserved either way.
func (d *Driver) mergeRunBranch(ctx context.Context, st *models.SessionState) {
	if !st.GitActive || st.GitBranch == "" || d.deps.Git == nil || !d.cfg.Git.ShouldMerge() {
		return
	}
	g := d.deps.Git
	log := d.logger.With("session_id", st.SessionID, "branch", st.GitBranch)

	if res := g.Commit(ctx, gitops.FinalCommitMessage(st)); !res.OK {
		log.Warn("Final commit failed", "message", res.Message)
	}
	base := d.cfg.Git.BaseBranch
	if base == "" {
		base = config.DefaultBaseBranch
	}
	if res := g.Checkout(ctx, base); !res.OK {
		d.alertMergeFailed(st, res.Message)
		return
	}
	if res := g.Merge(ctx, st.GitBranch); !res.OK {
		d.alertMergeFailed(st, res.Message)
		// Keep the work checked out on the run branch.
		g.Checkout(ctx, st.GitBranch)
		return
	}
	if res := g.DeleteBranch(ctx, st.GitBranch); !res.OK {
		log.Warn("Branch cleanup failed", "message", res.Message)
	}
	log.Info("Run branch merged", "base", base)
}

func (d *Driver) alertMergeFailed(st *models.SessionState, message string) {
	d.deps.Bus.PublishAlert(st.SessionID, events.AlertPayload{
		Kind:    events.AlertGitMergeFailed,
		Message: fmt.Sprintf("branch %s was not merged: %s", st.GitBranch, message),
	})
	d.logger.Error("Run branch merge failed",
		"session_id", st.SessionID,
		"branch", st.GitBranch,
		"message", message)
}

// finishStopped honors a durable stop request at an iteration boundary.
func (d *Driver) finishStopped(ctx context.Context, run *runState, st *models.SessionState) (*models.DriverResult, error) {
	out, err := d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{
		Status:        models.Ptr(models.StatusStopped),
		Phase:         models.Ptr(models.PhaseTerminal),
		StopRequested: models.Ptr(false),
	})
	if err != nil {
		return d.buildResult(run, st), err
	}
	d.deps.Bus.PublishPhaseChanged(st.SessionID, events.PhaseChangedPayload{
		From:      st.Phase,
		To:        models.PhaseTerminal,
		Iteration: st.Iterations,
	})
	run.reply = "Run stopped on request."
	d.logger.Info("Stop request honored", "session_id", st.SessionID, "phase", st.Phase)
	d.finishCheckpoint(ctx, st.SessionID)
	return d.buildResult(run, out), nil
}

// failRun moves the session to a terminal failure status and records the
// user-facing reason as the run reply.
func (d *Driver) failRun(ctx context.Context, run *runState, st *models.SessionState, status models.SessionStatus, reason string) (bool, error) {
	run.reply = reason
	out, err := d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{
		Status: models.Ptr(status),
		Phase:  models.Ptr(models.PhaseTerminal),
	})
	if err != nil {
		return false, err
	}
	d.deps.Bus.PublishPhaseChanged(st.SessionID, events.PhaseChangedPayload{
		From:      st.Phase,
		To:        models.PhaseTerminal,
		Iteration: out.Iterations,
	})
	d.logger.Info("Run ended", "session_id", st.SessionID, "status", status, "reason", reason)
	return true, nil
}

// singleTurn runs one agent turn outside the stage scheduler: intake
// questions, the scaffold, completion confirmation and gate remediation.
func (d *Driver) singleTurn(ctx context.Context, run *runState, st *models.SessionState, label, prompt string) (*models.TaskResult, error) {
	res, err := d.deps.Agent.Run(ctx, agent.Request{
		SessionID:    st.SessionID,
		SubSessionID: fmt.Sprintf("%s_%s_i%d", st.SessionID, label, st.Iterations),
		Prompt:       prompt,
		Model:        d.cfg.Agent.Model,
		Provider:     d.cfg.Agent.Provider,
		TaskID:       label,
		Timeout:      d.cfg.Parallel.TaskTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s turn: %w", label, err)
	}

	run.usage.WorkerTurns++
	run.usage.TotalCostUSD += res.Cost
	run.toolEvents += len(res.ToolCalls)
	d.deps.Metrics.AddRunCost(res.Cost)
	d.observeToolCalls(run, st, label, res.ToolCalls)

	switch res.Status {
	case models.ResultError:
		msg := res.Error
		if msg == "" {
			msg = "agent turn failed"
		}
		return res, fmt.Errorf("%s turn: %s", label, msg)
	case models.ResultInterrupted:
		return res, fmt.Errorf("%s turn interrupted before completion", label)
	case models.ResultCancelled:
		if err := ctx.Err(); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%s turn cancelled", label)
	}
	return res, nil
}

// observeToolCalls feeds the tool-loop detector and surfaces a stuck warning
// when the turn repeated one call verbatim or read for too long without
// writing. The detector restarts per turn; loops across turns show up in the
// stage progress signature instead.
func (d *Driver) observeToolCalls(run *runState, st *models.SessionState, label string, calls []models.ToolCall) {
	run.loop.reset()
	for _, call := range calls {
		doomLoop, readStall := run.loop.observe(call)
		if doomLoop {
			d.deps.Bus.PublishAlert(st.SessionID, events.AlertPayload{
				Kind:    events.AlertStuckWarning,
				Message: fmt.Sprintf("%s turn repeated %s with identical arguments %d times", label, call.Tool, toolLoopRepeats),
			})
		}
		if readStall {
			d.deps.Bus.PublishAlert(st.SessionID, events.AlertPayload{
				Kind:    events.AlertStuckWarning,
				Message: fmt.Sprintf("%s turn made %d consecutive read-only calls without writing", label, readOnlyStallLimit),
			})
		}
	}
}

// setPhase applies the patch with the new phase and publishes the transition
// when the phase actually changed.
func (d *Driver) setPhase(ctx context.Context, st *models.SessionState, phase string, patch models.SessionPatch) (*models.SessionState, error) {
	patch.Phase = models.Ptr(phase)
	out, err := d.deps.Store.Update(ctx, st.SessionID, patch)
	if err != nil {
		return nil, err
	}
	if st.Phase != phase {
		d.deps.Bus.PublishPhaseChanged(st.SessionID, events.PhaseChangedPayload{
			From:      st.Phase,
			To:        phase,
			Iteration: out.Iterations,
		})
		d.logger.Info("Phase changed", "session_id", st.SessionID, "from", st.Phase, "to", phase)
	}
	return out, nil
}

// saveCheckpoint snapshots the session under the given name. Checkpoint
// failures are logged and swallowed; they must never stop a run.
func (d *Driver) saveCheckpoint(ctx context.Context, st *models.SessionState, name string) {
	if d.deps.Checkpoints == nil {
		return
	}
	rec := &models.CheckpointRecord{
		Name:         name,
		Iteration:    st.Iterations,
		Phase:        st.Phase,
		GateStatus:   st.GateStatus,
		TaskProgress: st.TaskProgress,
		StageIndex:   st.StageIndex,
		StagePlan:    st.StagePlan,
	}
	if err := d.deps.Checkpoints.Save(ctx, st.SessionID, rec); err != nil {
		d.logger.Warn("Checkpoint save failed",
			"session_id", st.SessionID,
			"name", name,
			"error", err)
	}
}

// finishCheckpoint writes the final snapshot and prunes old rolling
// checkpoints, keeping the per-stage ones.
func (d *Driver) finishCheckpoint(ctx context.Context, sessionID string) {
	if d.deps.Checkpoints == nil {
		return
	}
	st, err := d.deps.Store.Get(ctx, sessionID)
	if err != nil || st == nil {
		return
	}
	d.saveCheckpoint(ctx, st, models.CheckpointLatest)
	removed, err := d.deps.Checkpoints.Cleanup(ctx, sessionID, checkpoint.CleanupOptions{
		MaxKeep:              checkpointMaxKeep,
		KeepStageCheckpoints: true,
	})
	if err != nil {
		d.logger.Warn("Checkpoint cleanup failed", "session_id", sessionID, "error", err)
	} else if removed > 0 {
		d.logger.Debug("Pruned checkpoints", "session_id", sessionID, "removed", removed)
	}
}

// buildResult assembles the structured run result from the final session
// state and the per-run accumulators.
func (d *Driver) buildResult(run *runState, st *models.SessionState) *models.DriverResult {
	res := &models.DriverResult{
		SessionID:      st.SessionID,
		Reply:          run.reply,
		Usage:          run.usage,
		ToolEvents:     run.toolEvents,
		Iterations:     st.Iterations,
		RecoveryCount:  run.recoveries,
		Phase:          st.Phase,
		GateStatus:     st.GateStatus,
		CurrentGate:    st.CurrentGate,
		Status:         st.Status,
		Elapsed:        time.Since(run.startedAt).Seconds(),
		StageIndex:     st.StageIndex,
		StageCount:     st.StageCount,
		CurrentStageID: st.CurrentStageID,
		PlanFrozen:     st.StagePlan != nil,
		TaskProgress:   st.TaskProgress,
		FileChanges:    st.FileChanges,
	}
	res.Progress = models.ComputeProgress(st.TaskProgress)
	res.RemainingFilesCount = res.Progress.RemainingFilesCount

	done := st.StageIndex
	if st.StageCount > 0 && done > st.StageCount {
		done = st.StageCount
	}
	res.StageProgress = models.StageProgress{Done: done, Total: st.StageCount}
	return res
}

// refreshResult re-reads the session so writes from the final critical
// section are reflected, falling back to the last known state.
func (d *Driver) refreshResult(ctx context.Context, run *runState, st *models.SessionState) *models.DriverResult {
	if cur, err := d.deps.Store.Get(context.WithoutCancel(ctx), st.SessionID); err == nil && cur != nil {
		st = cur
	}
	return d.buildResult(run, st)
}

func (d *Driver) projectDir() string {
	if d.deps.ProjectDir != "" {
		return d.deps.ProjectDir
	}
	if d.cfg.State.ProjectDir != "" {
		return d.cfg.State.ProjectDir
	}
	return "."
}

// recoveryBackoff doubles from the base per attempt, capped: 1s, 2s, 4s ...
// 30s.
func recoveryBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := recoveryBackoffBase << uint(n-1)
	if d <= 0 || d > recoveryBackoffMax {
		return recoveryBackoffMax
	}
	return d
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stageSeed collects persisted progress for the stage's tasks so a resumed or
// recovering stage skips what already completed.
func stageSeed(st *models.SessionState, stage models.Stage) map[string]*models.TaskProgress {
	seed := make(map[string]*models.TaskProgress)
	for _, id := range stage.TaskIDs() {
		if tp := st.TaskProgress[id]; tp != nil {
			seed[id] = tp
		}
	}
	if len(seed) == 0 {
		return nil
	}
	return seed
}

func attemptTotal(progress map[string]*models.TaskProgress) int {
	n := 0
	for _, tp := range progress {
		if tp != nil {
			n += tp.Attempt
		}
	}
	return n
}

// mergeProgress overlays snapshot entries on the persisted map.
func mergeProgress(cur, snapshot map[string]*models.TaskProgress) map[string]*models.TaskProgress {
	out := make(map[string]*models.TaskProgress, len(cur)+len(snapshot))
	for id, tp := range cur {
		out[id] = tp
	}
	for id, tp := range snapshot {
		out[id] = tp
	}
	return out
}
