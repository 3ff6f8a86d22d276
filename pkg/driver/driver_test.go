package driver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/gates"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/plan"
	"github.com/kkelly-offical/kkcode-sub002/pkg/scheduler"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
	"github.com/kkelly-offical/kkcode-sub002/pkg/worker"
)

// testPrompter answers Ask calls from a canned queue and records every
// prompt it was shown.
type testPrompter struct {
	mu      sync.Mutex
	replies []string
	asked   []string
}

func (p *testPrompter) Ask(_ context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, prompt)
	if len(p.replies) == 0 {
		return "", nil
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	return next, nil
}

type testEnv struct {
	driver      *Driver
	scripted    *agent.ScriptedAgent
	store       *state.Store
	checkpoints *checkpoint.Store
	bus         *events.Publisher
	cfg         *config.Config
	projectDir  string
}

// newTestDriver wires a driver against the real scheduler, state store and
// checkpoint store, with the scripted agent behind a local pool. Intake
// questions and the scaffold turn are off unless a test re-enables them, and
// task retries default to zero so failure paths stay short.
func newTestDriver(t *testing.T, mutate func(cfg *config.Config, deps *Deps)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.State.ProjectDir = dir
	cfg.Scaffold.Enabled = models.Ptr(false)
	cfg.Planner.IntakeQuestions.Enabled = models.Ptr(false)
	cfg.Parallel.TaskMaxRetries = models.Ptr(0)

	scripted := agent.NewScriptedAgent()
	pool := worker.NewLocalPool(scripted, cfg.Parallel.MaxConcurrency)
	t.Cleanup(pool.Stop)
	bus := events.NewPublisher()

	store := state.NewStore(state.StoreConfig{ProjectDir: dir, LockTimeout: 2 * time.Second})
	checkpoints := checkpoint.NewStore(filepath.Join(dir, "checkpoints"))

	deps := Deps{
		Store:       store,
		Checkpoints: checkpoints,
		Agent:       scripted,
		Planner: plan.PlannerFunc(func(context.Context, string, string) (*models.StagePlan, error) {
			return twoStagePlan(), nil
		}),
		Bus:        bus,
		ProjectDir: dir,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(pool, scheduler.Config{
			MaxConcurrency:   cfg.Parallel.MaxConcurrency,
			TaskTimeout:      cfg.Parallel.TaskTimeout(),
			BudgetLimitUSD:   cfg.Parallel.BudgetLimitUSD,
			PollInterval:     2 * time.Millisecond,
			FileChangesLimit: cfg.FileChangesLimit,
		}, bus, nil)
	}

	return &testEnv{
		driver:      New(cfg, deps),
		scripted:    scripted,
		store:       store,
		checkpoints: checkpoints,
		bus:         bus,
		cfg:         cfg,
		projectDir:  dir,
	}
}

// twoStagePlan is the fixture most tests freeze: two parallel tasks, then a
// dependent integration task.
func twoStagePlan() *models.StagePlan {
	return &models.StagePlan{
		PlanID:    "plan_fixture",
		Objective: "build the feature",
		Stages: []models.Stage{
			{
				StageID:  "s1",
				Name:     "Core",
				PassRule: models.PassRuleAllSuccess,
				Tasks: []models.PlanTask{
					{TaskID: "t1", Prompt: "write a", PlannedFiles: []string{"a.go"}},
					{TaskID: "t2", Prompt: "write b", PlannedFiles: []string{"b.go"}},
				},
			},
			{
				StageID:  "s2",
				Name:     "Integration",
				PassRule: models.PassRuleAllSuccess,
				Tasks: []models.PlanTask{
					{TaskID: "t3", Prompt: "wire it", PlannedFiles: []string{"c.go"}, DependsOn: []string{"t1", "t2"}},
				},
			},
		},
	}
}

func completedResult(files []string, cost float64) *models.TaskResult {
	return &models.TaskResult{
		Status:         models.ResultCompleted,
		CompletedFiles: files,
		Reply:          "done " + models.CompletionSentinel,
		Cost:           cost,
	}
}

func phaseTransitions(ch <-chan events.Event) []string {
	var out []string
	for {
		select {
		case evt := <-ch:
			if evt.Type != events.EventTypePhaseChanged {
				continue
			}
			var payload events.PhaseChangedPayload
			if json.Unmarshal(evt.Data, &payload) == nil {
				out = append(out, payload.To)
			}
		default:
			return out
		}
	}
}

func drainAlerts(ch <-chan events.Event) []events.AlertPayload {
	var out []events.AlertPayload
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			if evt.Type == events.EventTypeAlert {
				var payload events.AlertPayload
				if json.Unmarshal(evt.Data, &payload) == nil {
					out = append(out, payload)
				}
			}
		default:
			return out
		}
	}
}

func TestRunHappyPathCompletesAllStages(t *testing.T) {
	env := newTestDriver(t, nil)
	env.scripted.Script("t1", &models.TaskResult{
		Status:         models.ResultCompleted,
		CompletedFiles: []string{"a.go"},
		FileChanges:    []models.FileChange{{Path: "a.go", AddedLines: 10}},
		ToolCalls:      []models.ToolCall{{Tool: "write", Args: "a.go"}, {Tool: "bash", Args: "go vet"}},
		Reply:          "core done " + models.CompletionSentinel,
		Cost:           0.10,
	})
	env.scripted.Script("t2", completedResult([]string{"b.go"}, 0.20))
	env.scripted.Script("t3", completedResult([]string{"c.go"}, 0.30))

	ch, cancel := env.bus.Subscribe(events.SessionChannel("sess-1"), 128)
	defer cancel()

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, models.PhaseTerminal, res.Phase)
	assert.True(t, res.PlanFrozen)
	assert.Equal(t, models.StageProgress{Done: 2, Total: 2}, res.StageProgress)
	assert.Equal(t, 5, res.Iterations)
	assert.Equal(t, 3, res.Usage.WorkerTurns)
	assert.InDelta(t, 0.60, res.Usage.TotalCostUSD, 1e-9)
	assert.Equal(t, 2, res.ToolEvents)
	assert.Equal(t, 0, res.RecoveryCount)
	assert.Equal(t, "", res.CurrentGate)
	assert.Contains(t, res.Reply, "quality gates passed")

	// Gate verdicts: health probes the real store, the rest have nothing
	// configured and report not applicable.
	require.Contains(t, res.GateStatus, gates.GateHealth)
	assert.Equal(t, models.GatePass, res.GateStatus[gates.GateHealth].Status)
	assert.Equal(t, models.GateNotApplicable, res.GateStatus[gates.GateBuild].Status)

	st, err := env.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, models.PhaseTerminal, st.Phase)
	assert.Equal(t, 2, st.StageIndex)
	assert.Equal(t, "", st.CurrentStageID)
	require.Len(t, st.TaskProgress, 3)
	for _, id := range []string{"t1", "t2", "t3"} {
		require.Contains(t, st.TaskProgress, id)
		assert.Equal(t, models.TaskCompleted, st.TaskProgress[id].Status)
		assert.Equal(t, 1, st.TaskProgress[id].Attempt)
	}
	require.NotEmpty(t, st.FileChanges)
	assert.Equal(t, "s1", st.FileChanges[0].StageID)
	assert.Equal(t, "t1", st.FileChanges[0].TaskID)

	// The frozen plan and the stage checkpoints survive the run.
	records, err := env.checkpoints.List(context.Background(), "sess-1")
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Name)
	}
	assert.Contains(t, names, models.CheckpointLatest)
	assert.Contains(t, names, "stage_s1")
	assert.Contains(t, names, "stage_s2")

	assert.Equal(t, []string{
		models.PhasePlanFrozen,
		models.PhaseStageRunning,
		models.PhaseGateCheck,
		models.PhaseTerminal,
	}, phaseTransitions(ch))
}

func TestRunBlocksNonActionableObjective(t *testing.T) {
	plannerCalled := false
	env := newTestDriver(t, func(_ *config.Config, deps *Deps) {
		deps.Planner = plan.PlannerFunc(func(context.Context, string, string) (*models.StagePlan, error) {
			plannerCalled = true
			return twoStagePlan(), nil
		})
	})

	res, err := env.driver.Run(context.Background(), "sess-1", "hello")
	require.NoError(t, err)

	assert.Equal(t, models.StatusBlocked, res.Status)
	assert.Equal(t, models.PhaseTerminal, res.Phase)
	assert.False(t, res.PlanFrozen)
	assert.Contains(t, res.Reply, "not actionable")
	assert.False(t, plannerCalled)
	assert.Empty(t, env.scripted.Calls())

	st, err := env.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, st.Status)
}

func TestRunScaffoldTurnPrecedesFirstStage(t *testing.T) {
	env := newTestDriver(t, func(cfg *config.Config, _ *Deps) {
		cfg.Scaffold.Enabled = models.Ptr(true)
	})
	env.scripted.Script("scaffold", &models.TaskResult{
		Status:      models.ResultCompleted,
		FileChanges: []models.FileChange{{Path: "go.mod", AddedLines: 5}},
		Reply:       "skeleton in place",
	})

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)

	scaffoldCalls := env.scripted.CallsFor("scaffold")
	require.Len(t, scaffoldCalls, 1)
	assert.Contains(t, scaffoldCalls[0].Prompt, "a.go")
	assert.Contains(t, scaffoldCalls[0].Prompt, "c.go")

	// The scaffold runs strictly before any stage task.
	calls := env.scripted.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "scaffold", calls[0].TaskID)

	st, err := env.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	var scaffoldChange bool
	for _, fc := range st.FileChanges {
		if fc.TaskID == "scaffold" && fc.Path == "go.mod" {
			scaffoldChange = true
		}
	}
	assert.True(t, scaffoldChange, "scaffold file change recorded in session history")
}

func TestRunStageRecoveryRetriesFailedTasks(t *testing.T) {
	env := newTestDriver(t, nil)
	env.scripted.Script("t2",
		&models.TaskResult{Status: models.ResultError, Error: "compile broke"},
		completedResult([]string{"b.go"}, 0),
	)

	ch, cancel := env.bus.Subscribe(events.SessionChannel("sess-1"), 128)
	defer cancel()

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.RecoveryCount)
	assert.Len(t, env.scripted.CallsFor("t1"), 1, "completed task is not redispatched")
	assert.Len(t, env.scripted.CallsFor("t2"), 2)

	st, err := env.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.RecoveryCount, "recovery count resets once the stage passes")

	var recoveries []events.RecoveryEnteredPayload
	for {
		select {
		case evt := <-ch:
			if evt.Type == events.EventTypeRecoveryEntered {
				var payload events.RecoveryEnteredPayload
				require.NoError(t, json.Unmarshal(evt.Data, &payload))
				recoveries = append(recoveries, payload)
			}
			continue
		default:
		}
		break
	}
	require.Len(t, recoveries, 1)
	assert.Equal(t, "s1", recoveries[0].StageID)
	assert.Equal(t, 1, recoveries[0].RecoveryCount)
	assert.Equal(t, int64(1000), recoveries[0].BackoffMs)
}

func TestRunAbortsWhenStageRecoveriesExhausted(t *testing.T) {
	env := newTestDriver(t, func(cfg *config.Config, _ *Deps) {
		cfg.MaxStageRecoveries = 1
		cfg.NoProgressWarning = 0
		cfg.NoProgressLimit = 0
	})
	env.scripted.Script("t2", &models.TaskResult{Status: models.ResultError, Error: "still broken"})

	alerts, cancel := env.bus.Subscribe(events.GlobalSessionsChannel, 16)
	defer cancel()

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Reply, "s1")
	assert.Len(t, env.scripted.CallsFor("t2"), 2, "one run plus one recovery")

	got := drainAlerts(alerts)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, events.AlertStageAborted, last.Kind)
	assert.Contains(t, last.Message, "exhausted")
}

func TestRunNoProgressDetectorWarnsThenAborts(t *testing.T) {
	env := newTestDriver(t, func(cfg *config.Config, _ *Deps) {
		cfg.MaxStageRecoveries = 10
		cfg.NoProgressWarning = 2
		cfg.NoProgressLimit = 3
	})
	env.scripted.Script("t2", &models.TaskResult{Status: models.ResultError, Error: "same failure"})

	alerts, cancel := env.bus.Subscribe(events.GlobalSessionsChannel, 32)
	defer cancel()

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Reply, "no progress")

	var kinds []string
	for _, a := range drainAlerts(alerts) {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, events.AlertStuckWarning)
	assert.Contains(t, kinds, events.AlertStageAborted)
}

func TestRunGateRemediationFixesFailingGate(t *testing.T) {
	env := newTestDriver(t, func(cfg *config.Config, _ *Deps) {
		// Fails once and plants a marker, then passes: the shape of a gate
		// the remediation turn fixed.
		cfg.Gates.Build.Script = `test -f fixed || { touch fixed; exit 1; }`
	})

	ch, cancel := env.bus.Subscribe(events.SessionChannel("sess-1"), 128)
	defer cancel()

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, models.GatePass, res.GateStatus[gates.GateBuild].Status)
	assert.Equal(t, "", res.CurrentGate)

	fixCalls := env.scripted.CallsFor("gate_fix")
	require.Len(t, fixCalls, 1)
	assert.Contains(t, fixCalls[0].Prompt, "build")

	var buildChecks []events.GateCheckedPayload
	for {
		select {
		case evt := <-ch:
			if evt.Type == events.EventTypeGateChecked {
				var payload events.GateCheckedPayload
				require.NoError(t, json.Unmarshal(evt.Data, &payload))
				if payload.Gate == gates.GateBuild {
					buildChecks = append(buildChecks, payload)
				}
			}
			continue
		default:
		}
		break
	}
	require.Len(t, buildChecks, 2)
	assert.Equal(t, string(models.GateFail), buildChecks[0].Status)
	assert.Equal(t, 1, buildChecks[0].Attempt)
	assert.Equal(t, string(models.GatePass), buildChecks[1].Status)
	assert.Equal(t, 2, buildChecks[1].Attempt)
}

func TestRunFailsWhenGateAttemptsExhausted(t *testing.T) {
	env := newTestDriver(t, func(cfg *config.Config, _ *Deps) {
		cfg.Gates.Build.Script = "exit 1"
		cfg.MaxGateAttempts = 2
	})

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Reply, "build")
	assert.Equal(t, gates.GateBuild, res.CurrentGate)
	assert.Equal(t, models.GateFail, res.GateStatus[gates.GateBuild].Status)
	assert.Len(t, env.scripted.CallsFor("gate_fix"), 1)
}

func TestRunStopRequestHonored(t *testing.T) {
	env := newTestDriver(t, nil)
	ctx := context.Background()

	_, err := env.store.Update(ctx, "sess-1", models.SessionPatch{
		Objective: models.Ptr("Build the feature end to end"),
		Status:    models.Ptr(models.StatusRunning),
	})
	require.NoError(t, err)
	require.NoError(t, env.store.Stop(ctx, "sess-1"))

	res, err := env.driver.Run(ctx, "sess-1", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusStopped, res.Status)
	assert.Equal(t, "Run stopped on request.", res.Reply)
	assert.Empty(t, env.scripted.Calls())

	st, err := env.store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, st.Status)
	assert.False(t, st.StopRequested, "stop flag is consumed")
}

func TestRunResumesCompletedTasks(t *testing.T) {
	env := newTestDriver(t, nil)
	ctx := context.Background()

	frozen := twoStagePlan()
	_, err := env.store.Update(ctx, "sess-1", models.SessionPatch{
		Objective:      models.Ptr("Build the feature end to end"),
		Status:         models.Ptr(models.StatusRunning),
		Phase:          models.Ptr(models.PhaseStageRunning),
		StagePlan:      frozen,
		StageCount:     models.Ptr(2),
		StageIndex:     models.Ptr(0),
		CurrentStageID: models.Ptr("s1"),
		TaskProgress: map[string]*models.TaskProgress{
			"t1": {
				TaskID:         "t1",
				StageID:        "s1",
				Attempt:        1,
				Status:         models.TaskCompleted,
				CompletedFiles: []string{"a.go"},
				LastReply:      "a.go written earlier",
			},
		},
	})
	require.NoError(t, err)

	res, err := env.driver.Run(ctx, "sess-1", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Empty(t, env.scripted.CallsFor("t1"), "resumed task is not redispatched")
	assert.Len(t, env.scripted.CallsFor("t2"), 1)
	assert.Len(t, env.scripted.CallsFor("t3"), 1)
	assert.Equal(t, 2, res.Usage.WorkerTurns, "seeded attempts are not recounted")

	// The stage-two prompt carries the earlier stage's outcome.
	t3Calls := env.scripted.CallsFor("t3")
	require.Len(t, t3Calls, 1)
	assert.Contains(t, t3Calls[0].Prompt, "a.go written earlier")
}

func TestRunStageRetryRewindsProgress(t *testing.T) {
	env := newTestDriver(t, nil)
	ctx := context.Background()

	done := func(id, stage, file string) *models.TaskProgress {
		return &models.TaskProgress{
			TaskID:         id,
			StageID:        stage,
			Attempt:        1,
			Status:         models.TaskCompleted,
			CompletedFiles: []string{file},
		}
	}
	_, err := env.store.Update(ctx, "sess-1", models.SessionPatch{
		Objective:  models.Ptr("Build the feature end to end"),
		Status:     models.Ptr(models.StatusCompleted),
		Phase:      models.Ptr(models.PhaseTerminal),
		StagePlan:  twoStagePlan(),
		StageCount: models.Ptr(2),
		StageIndex: models.Ptr(2),
		TaskProgress: map[string]*models.TaskProgress{
			"t1": done("t1", "s1", "a.go"),
			"t2": done("t2", "s1", "b.go"),
			"t3": done("t3", "s2", "c.go"),
		},
	})
	require.NoError(t, err)
	_, err = env.store.Update(ctx, "sess-1", models.SessionPatch{RetryStageID: models.Ptr("s2")})
	require.NoError(t, err)

	res, err := env.driver.Run(ctx, "sess-1", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Empty(t, env.scripted.CallsFor("t1"))
	assert.Empty(t, env.scripted.CallsFor("t2"))
	assert.Len(t, env.scripted.CallsFor("t3"), 1, "rewound stage runs again")

	st, err := env.store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "", st.RetryStageID, "retry flag is consumed")
	assert.Equal(t, 2, st.StageIndex)
	assert.Equal(t, models.TaskCompleted, st.TaskProgress["t3"].Status)
}

func TestRunOwnershipViolationFailsRun(t *testing.T) {
	env := newTestDriver(t, nil)
	ctx := context.Background()

	conflicted := &models.StagePlan{
		PlanID:    "plan_bad",
		Objective: "conflicting ownership",
		Stages: []models.Stage{{
			StageID:  "s1",
			PassRule: models.PassRuleAllSuccess,
			Tasks: []models.PlanTask{
				{TaskID: "t1", Prompt: "p", PlannedFiles: []string{"shared.go"}},
				{TaskID: "t2", Prompt: "p", PlannedFiles: []string{"shared.go"}},
			},
		}},
	}
	_, err := env.store.Update(ctx, "sess-1", models.SessionPatch{
		Objective:      models.Ptr("Build the feature end to end"),
		Status:         models.Ptr(models.StatusRunning),
		Phase:          models.Ptr(models.PhaseStageRunning),
		StagePlan:      conflicted,
		StageCount:     models.Ptr(1),
		StageIndex:     models.Ptr(0),
		CurrentStageID: models.Ptr("s1"),
	})
	require.NoError(t, err)

	alerts, cancel := env.bus.Subscribe(events.GlobalSessionsChannel, 16)
	defer cancel()

	res, err := env.driver.Run(ctx, "sess-1", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Reply, "shared.go")
	assert.Empty(t, env.scripted.Calls(), "no task launches on a refused stage")

	got := drainAlerts(alerts)
	require.NotEmpty(t, got)
	assert.Equal(t, events.AlertFileOwnershipViolation, got[0].Kind)
}

func TestRunFallbackPlanWhenPlannerErrors(t *testing.T) {
	env := newTestDriver(t, func(_ *config.Config, deps *Deps) {
		deps.Planner = plan.PlannerFunc(func(context.Context, string, string) (*models.StagePlan, error) {
			return nil, errors.New("planner unavailable")
		})
	})

	ch, cancel := env.bus.Subscribe(events.SessionChannel("sess-1"), 64)
	defer cancel()

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.StageCount)

	st, err := env.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, st.StagePlan)
	require.Len(t, st.StagePlan.Stages, 1)
	assert.Contains(t, st.TaskProgress, "s1_task_1")

	var frozen *events.PlanFrozenPayload
	for {
		select {
		case evt := <-ch:
			if evt.Type == events.EventTypePlanFrozen {
				var payload events.PlanFrozenPayload
				require.NoError(t, json.Unmarshal(evt.Data, &payload))
				frozen = &payload
			}
			continue
		default:
		}
		break
	}
	require.NotNil(t, frozen)
	assert.True(t, frozen.Fallback)
	assert.NotEmpty(t, frozen.PlanErrors)
}

func TestRunIntakeDialogueFeedsPlanner(t *testing.T) {
	var gotSummary string
	prompter := &testPrompter{replies: []string{"Use sqlite"}}
	env := newTestDriver(t, func(cfg *config.Config, deps *Deps) {
		cfg.Planner.IntakeQuestions.Enabled = models.Ptr(true)
		cfg.Gates.PromptUser = config.PromptNever
		deps.Prompter = prompter
		deps.Planner = plan.PlannerFunc(func(_ context.Context, _, intakeSummary string) (*models.StagePlan, error) {
			gotSummary = intakeSummary
			return twoStagePlan(), nil
		})
	})
	env.scripted.Script("intake",
		&models.TaskResult{Status: models.ResultCompleted, Reply: "Which database should I use?"},
		&models.TaskResult{Status: models.ResultCompleted, Reply: "READY"},
	)

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)

	require.Len(t, env.scripted.CallsFor("intake"), 2)
	require.Len(t, prompter.asked, 1)
	assert.Equal(t, "Which database should I use?", prompter.asked[0])
	assert.Contains(t, gotSummary, "Q: Which database should I use?")
	assert.Contains(t, gotSummary, "A: Use sqlite")
}

func TestRunGateSelectionPromptPersistsChoice(t *testing.T) {
	prompter := &testPrompter{replies: []string{"build: off, test: off, review: off, health: off, budget: off"}}
	env := newTestDriver(t, func(cfg *config.Config, deps *Deps) {
		cfg.Gates.PromptUser = config.PromptAlways
		// Would fail every attempt if the selection did not disable it.
		cfg.Gates.Build.Script = "exit 1"
		deps.Prompter = prompter
	})

	res, err := env.driver.Run(context.Background(), "sess-1", "Build the feature end to end")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, models.GateDisabled, res.GateStatus[gates.GateBuild].Status)
	require.Len(t, prompter.asked, 1)

	saved, err := gates.LoadPreferences(env.projectDir)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.False(t, saved[gates.GateBuild])
	assert.False(t, saved[gates.GateBudget])
}

func TestRunCancellationLeavesSessionResumable(t *testing.T) {
	env := newTestDriver(t, nil)
	env.scripted.SetDelay(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := env.driver.Run(ctx, "sess-1", "Build the feature end to end")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, models.StatusRunning, res.Status, "cancellation does not mark the session terminal")

	st, stErr := env.store.Get(context.Background(), "sess-1")
	require.NoError(t, stErr)
	require.NotNil(t, st)
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.NotEmpty(t, st.TaskProgress, "partial progress is persisted for resume")
}

func TestRunTerminalSessionReturnsWithoutWork(t *testing.T) {
	env := newTestDriver(t, nil)
	ctx := context.Background()

	_, err := env.store.Update(ctx, "sess-1", models.SessionPatch{
		Objective: models.Ptr("Build the feature end to end"),
		Status:    models.Ptr(models.StatusCompleted),
		Phase:     models.Ptr(models.PhaseTerminal),
	})
	require.NoError(t, err)

	res, err := env.driver.Run(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Empty(t, env.scripted.Calls())
}
