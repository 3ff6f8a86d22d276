package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/gitops"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/plan"
)

// handleIntake runs once per session: it gates the objective, optionally runs
// the clarification dialogue, freezes the validated plan, and sets up git
// gating. The frozen plan never changes afterwards.
func (d *Driver) handleIntake(ctx context.Context, run *runState, st *models.SessionState) (bool, error) {
	log := d.logger.With("session_id", st.SessionID)
	objective := strings.TrimSpace(st.Objective)

	if !plan.IsActionable(objective) {
		log.Info("Objective is not actionable, blocking run", "objective", objective)
		return d.failRun(ctx, run, st, models.StatusBlocked,
			"The objective is not actionable yet. Describe what should be built or fixed, ideally naming the files or behavior involved.")
	}

	summary, err := d.runIntakeDialogue(ctx, run, st, objective)
	if err != nil {
		return false, err
	}

	res := d.freezePlan(ctx, objective, summary)
	frozen := res.Plan

	patch := models.SessionPatch{
		StagePlan:  frozen,
		StageCount: models.Ptr(len(frozen.Stages)),
		StageIndex: models.Ptr(0),
	}
	if len(frozen.Stages) > 0 {
		patch.CurrentStageID = models.Ptr(frozen.Stages[0].StageID)
	}
	st, err = d.deps.Store.Update(ctx, st.SessionID, patch)
	if err != nil {
		return false, err
	}

	taskCount := 0
	for _, stage := range frozen.Stages {
		taskCount += len(stage.Tasks)
	}
	d.deps.Bus.PublishPlanFrozen(st.SessionID, events.PlanFrozenPayload{
		PlanID:       frozen.PlanID,
		StageCount:   len(frozen.Stages),
		TaskCount:    taskCount,
		QualityScore: res.QualityScore,
		Fallback:     res.Fallback,
		PlanErrors:   res.Errors,
	})
	log.Info("Plan frozen",
		"plan_id", frozen.PlanID,
		"stages", len(frozen.Stages),
		"tasks", taskCount,
		"quality_score", res.QualityScore,
		"fallback", res.Fallback)

	d.setupGit(ctx, st)

	_, err = d.setPhase(ctx, st, models.PhasePlanFrozen, models.SessionPatch{})
	return false, err
}

// runIntakeDialogue asks the agent for clarifying questions and relays them
// to the prompter, bounded by max_rounds. It returns the Q/A transcript fed
// to the planner. Without a prompter (serve mode) the dialogue is skipped.
func (d *Driver) runIntakeDialogue(ctx context.Context, run *runState, st *models.SessionState, objective string) (string, error) {
	qc := d.cfg.Planner.IntakeQuestions
	if !qc.IsEnabled() || d.deps.Prompter == nil || qc.MaxRounds <= 0 {
		return "", nil
	}
	log := d.logger.With("session_id", st.SessionID)

	var b strings.Builder
	for round := 1; round <= qc.MaxRounds; round++ {
		res, err := d.singleTurn(ctx, run, st, "intake", buildIntakeQuestionPrompt(objective, b.String()))
		if err != nil {
			if isCtxErr(err) {
				return "", err
			}
			log.Warn("Intake turn failed, planning without clarifications", "error", err)
			break
		}
		question := strings.TrimSpace(res.Reply)
		if question == "" || strings.Contains(strings.ToUpper(question), intakeReadySignal) {
			break
		}

		answer, err := d.deps.Prompter.Ask(ctx, question)
		if err != nil {
			if isCtxErr(err) {
				return "", err
			}
			log.Warn("Intake prompt failed, planning without further clarifications", "error", err)
			break
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			break
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", question, answer)
	}
	return strings.TrimSpace(b.String()), nil
}

// freezePlan obtains a candidate plan and validates it. Planner failures and
// invariant violations degrade to the single-task fallback plan rather than
// failing the run.
func (d *Driver) freezePlan(ctx context.Context, objective, intakeSummary string) *plan.Result {
	opts := plan.ValidateOptions{
		Objective:         objective,
		DefaultTimeoutMs:  d.cfg.Parallel.TaskTimeoutMs,
		DefaultMaxRetries: d.cfg.Parallel.Retries(),
	}

	var candidate *models.StagePlan
	if d.deps.Planner != nil {
		var err error
		candidate, err = d.deps.Planner.Plan(ctx, objective, intakeSummary)
		if err != nil {
			d.logger.Warn("Planner failed, falling back to a single-task plan", "error", err)
			candidate = nil
		}
	}
	return plan.Validate(candidate, opts)
}

// setupGit moves the run onto its own branch when git gating is enabled. Any
// failure here downgrades to running without git rather than failing the run.
func (d *Driver) setupGit(ctx context.Context, st *models.SessionState) {
	if !d.cfg.Git.Enabled || d.deps.Git == nil {
		return
	}
	if st.GitActive && st.GitBranch != "" {
		return // resumed run is already on its branch
	}
	g := d.deps.Git
	log := d.logger.With("session_id", st.SessionID)

	if !g.IsRepo(ctx) {
		log.Info("Git gating skipped, project is not a repository")
		return
	}
	if dirty, err := g.IsDirty(ctx); err != nil {
		log.Warn("Git gating skipped, cannot read tree status", "error", err)
		return
	} else if dirty {
		if res := g.Stash(ctx, "kkcode pre-run "+st.SessionID); !res.OK {
			log.Warn("Git gating skipped, stash failed", "message", res.Message)
			return
		}
	}

	branch := gitops.BranchName(st.SessionID, st.Objective)
	if res := g.CreateBranch(ctx, branch); !res.OK {
		log.Warn("Git gating skipped, branch creation failed", "message", res.Message)
		return
	}

	if _, err := d.deps.Store.Update(ctx, st.SessionID, models.SessionPatch{
		GitActive: models.Ptr(true),
		GitBranch: models.Ptr(branch),
	}); err != nil {
		log.Warn("Failed to record git branch", "error", err)
		return
	}
	log.Info("Run branch created", "branch", branch)
}
