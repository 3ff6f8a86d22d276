// Package plan validates and normalizes planner output into a frozen stage
// plan, enforcing the file-ownership invariants the scheduler depends on.
package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// Normalization caps.
const (
	MaxPlannedFiles = 80
	MaxAcceptance   = 50
	MinTimeoutMs    = 1000
)

// ValidateOptions carries the objective fallback and the default task
// settings applied during normalization.
type ValidateOptions struct {
	Objective         string
	DefaultTimeoutMs  int
	DefaultMaxRetries int
}

// Result is the validator output. When any invariant fails, Plan holds a
// trivial single-stage fallback derived from the objective, Fallback is set,
// and Errors records every violation. Callers decide whether to proceed.
type Result struct {
	Plan         *models.StagePlan
	Errors       []string
	QualityScore int
	Fallback     bool
}

// Validate normalizes the candidate plan and checks every plan invariant.
// A nil candidate is treated as a violation and yields the fallback plan.
//
// Zero-valued timeoutMs and maxRetries on tasks mean "unset" and receive the
// defaults; negative maxRetries clamps to 0.
func Validate(candidate *models.StagePlan, opts ValidateOptions) *Result {
	if opts.DefaultTimeoutMs < MinTimeoutMs {
		opts.DefaultTimeoutMs = 600000
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}

	res := &Result{}
	objective := strings.TrimSpace(opts.Objective)

	if candidate == nil {
		res.Errors = append(res.Errors, "plan is missing")
		return fallbackResult(res, objective, opts)
	}

	p := candidate.Clone()
	if strings.TrimSpace(p.Objective) == "" {
		p.Objective = objective
	}
	if strings.TrimSpace(p.Objective) == "" {
		res.Errors = append(res.Errors, "objective is empty")
	}
	if p.PlanID == "" {
		p.PlanID = "plan_" + shortID()
	}
	if len(p.Stages) == 0 {
		res.Errors = append(res.Errors, "plan has no stages")
	}

	normalize(p, opts, res)
	checkInvariants(p, res)

	if len(res.Errors) > 0 {
		return fallbackResult(res, p.Objective, opts)
	}

	res.Plan = p
	res.QualityScore = qualityScore(p)
	return res
}

// normalize applies the per-stage and per-task normalization rules in place.
func normalize(p *models.StagePlan, opts ValidateOptions, res *Result) {
	for i := range p.Stages {
		stage := &p.Stages[i]
		if strings.TrimSpace(stage.StageID) == "" {
			stage.StageID = fmt.Sprintf("s%d", i+1)
		}
		stage.StageID = strings.TrimSpace(stage.StageID)
		stage.PassRule = models.PassRuleAllSuccess
		if len(stage.Tasks) == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("stage %s has no tasks", stage.StageID))
			continue
		}
		for j := range stage.Tasks {
			normalizeTask(&stage.Tasks[j], stage.StageID, opts, res)
		}
	}
}

func normalizeTask(t *models.PlanTask, stageID string, opts ValidateOptions, res *Result) {
	t.TaskID = strings.TrimSpace(t.TaskID)
	if t.TaskID == "" {
		t.TaskID = fmt.Sprintf("%s_task_%s", stageID, shortID())
	}

	t.Prompt = strings.TrimSpace(t.Prompt)
	if t.Prompt == "" {
		res.Errors = append(res.Errors, fmt.Sprintf("task %s has an empty prompt", t.TaskID))
	}

	t.PlannedFiles = models.NormalizePaths(t.PlannedFiles)
	if len(t.PlannedFiles) > MaxPlannedFiles {
		t.PlannedFiles = t.PlannedFiles[:MaxPlannedFiles]
	}

	acceptance := make([]string, 0, len(t.Acceptance))
	for _, a := range t.Acceptance {
		if a = strings.TrimSpace(a); a != "" {
			acceptance = append(acceptance, a)
		}
	}
	if len(acceptance) > MaxAcceptance {
		acceptance = acceptance[:MaxAcceptance]
	}
	t.Acceptance = acceptance

	switch t.Complexity {
	case models.ComplexityLow, models.ComplexityMedium, models.ComplexityHigh:
	default:
		t.Complexity = models.ComplexityMedium
	}

	if t.TimeoutMs == 0 {
		t.TimeoutMs = opts.DefaultTimeoutMs
	} else if t.TimeoutMs < MinTimeoutMs {
		t.TimeoutMs = MinTimeoutMs
	}

	if t.MaxRetries == 0 {
		t.MaxRetries = opts.DefaultMaxRetries
	} else if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
}

// checkInvariants enforces task-id uniqueness plus intra- and inter-stage
// file ownership: every planned file belongs to exactly one task across the
// whole plan.
func checkInvariants(p *models.StagePlan, res *Result) {
	// taskId -> stageId, path -> first owner, stageId -> path -> taskId
	taskIDs := make(map[string]string)
	fileOwners := make(map[string]fileOwner)
	stageFiles := make(map[string]map[string]string)

	for _, stage := range p.Stages {
		if stageFiles[stage.StageID] != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate stage id %s", stage.StageID))
			continue
		}
		stageFiles[stage.StageID] = make(map[string]string)

		for _, t := range stage.Tasks {
			if prev, seen := taskIDs[t.TaskID]; seen {
				res.Errors = append(res.Errors,
					fmt.Sprintf("duplicate task id %s (stages %s and %s)", t.TaskID, prev, stage.StageID))
			}
			taskIDs[t.TaskID] = stage.StageID

			for _, f := range t.PlannedFiles {
				if ownerTask, claimed := stageFiles[stage.StageID][f]; claimed {
					res.Errors = append(res.Errors,
						fmt.Sprintf("file %s claimed by tasks %s and %s in stage %s",
							f, ownerTask, t.TaskID, stage.StageID))
					continue
				}
				stageFiles[stage.StageID][f] = t.TaskID

				if owner, claimed := fileOwners[f]; claimed && owner.stageID != stage.StageID {
					res.Errors = append(res.Errors,
						fmt.Sprintf("file %s claimed by stage %s (task %s) and stage %s (task %s)",
							f, owner.stageID, owner.taskID, stage.StageID, t.TaskID))
					continue
				}
				if _, claimed := fileOwners[f]; !claimed {
					fileOwners[f] = fileOwner{stageID: stage.StageID, taskID: t.TaskID}
				}
			}
		}
	}
}

type fileOwner struct {
	stageID string
	taskID  string
}

// qualityScore is informational: 100 minus 15 per task with no planned files
// and 10 per task with no acceptance criteria, floored at 0.
func qualityScore(p *models.StagePlan) int {
	score := 100
	for _, stage := range p.Stages {
		for _, t := range stage.Tasks {
			if len(t.PlannedFiles) == 0 {
				score -= 15
			}
			if len(t.Acceptance) == 0 {
				score -= 10
			}
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// fallbackResult builds the trivial single-stage single-task plan from the
// objective.
func fallbackResult(res *Result, objective string, opts ValidateOptions) *Result {
	if objective == "" {
		objective = "unspecified objective"
	}
	res.Fallback = true
	res.Plan = &models.StagePlan{
		PlanID:    "plan_fallback_" + shortID(),
		Objective: objective,
		Stages: []models.Stage{{
			StageID:  "s1",
			Name:     "Implement objective",
			PassRule: models.PassRuleAllSuccess,
			Tasks: []models.PlanTask{{
				TaskID:     "s1_task_1",
				Prompt:     objective,
				Complexity: models.ComplexityMedium,
				TimeoutMs:  opts.DefaultTimeoutMs,
				MaxRetries: opts.DefaultMaxRetries,
			}},
		}},
	}
	res.QualityScore = qualityScore(res.Plan)
	return res
}

func shortID() string {
	return uuid.NewString()[:8]
}
