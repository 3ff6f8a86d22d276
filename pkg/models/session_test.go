package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPatchApply(t *testing.T) {
	t.Run("nil fields leave state untouched", func(t *testing.T) {
		st := NewSessionState("sess-1")
		st.Objective = "build the thing"
		st.Status = StatusRunning
		st.StageIndex = 2

		SessionPatch{}.Apply(st)

		assert.Equal(t, "build the thing", st.Objective)
		assert.Equal(t, StatusRunning, st.Status)
		assert.Equal(t, 2, st.StageIndex)
	})

	t.Run("non-nil fields override", func(t *testing.T) {
		st := NewSessionState("sess-1")
		st.Status = StatusRunning

		SessionPatch{
			Status:       Ptr(StatusCompleted),
			StageIndex:   Ptr(3),
			RetryStageID: Ptr(""),
		}.Apply(st)

		assert.Equal(t, StatusCompleted, st.Status)
		assert.Equal(t, 3, st.StageIndex)
		assert.Empty(t, st.RetryStageID)
	})

	t.Run("maps replace wholesale", func(t *testing.T) {
		st := NewSessionState("sess-1")
		st.TaskProgress = map[string]*TaskProgress{
			"t1": {TaskID: "t1", Status: TaskCompleted},
			"t2": {TaskID: "t2", Status: TaskCompleted},
		}

		SessionPatch{
			TaskProgress: map[string]*TaskProgress{"t1": {TaskID: "t1", Status: TaskPending}},
		}.Apply(st)

		require.Len(t, st.TaskProgress, 1)
		assert.Equal(t, TaskPending, st.TaskProgress["t1"].Status)
	})
}

func TestSessionPatchIsZero(t *testing.T) {
	assert.True(t, SessionPatch{}.IsZero())
	assert.False(t, SessionPatch{Status: Ptr(StatusIdle)}.IsZero())
	assert.False(t, SessionPatch{FileChanges: []FileChange{}}.IsZero())
}

func TestSessionStateClone(t *testing.T) {
	st := NewSessionState("sess-1")
	st.StagePlan = &StagePlan{PlanID: "p1", Stages: []Stage{{StageID: "s1", Tasks: []PlanTask{{TaskID: "t1", PlannedFiles: []string{"a.go"}}}}}}
	st.TaskProgress["t1"] = &TaskProgress{TaskID: "t1", CompletedFiles: []string{"a.go"}}
	st.FileChanges = []FileChange{{Path: "a.go", AddedLines: 1}}

	clone := st.Clone()
	clone.StagePlan.Stages[0].Tasks[0].PlannedFiles[0] = "mutated"
	clone.TaskProgress["t1"].CompletedFiles[0] = "mutated"
	clone.FileChanges[0].Path = "mutated"

	assert.Equal(t, "a.go", st.StagePlan.Stages[0].Tasks[0].PlannedFiles[0])
	assert.Equal(t, "a.go", st.TaskProgress["t1"].CompletedFiles[0])
	assert.Equal(t, "a.go", st.FileChanges[0].Path)
}

func TestSessionStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
	assert.True(t, StatusBlocked.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusRecovering.IsTerminal())
}

func TestComputeProgress(t *testing.T) {
	stats := ComputeProgress(map[string]*TaskProgress{
		"t1": {Status: TaskCompleted},
		"t2": {Status: TaskRunning, RemainingFiles: []string{"b.go", "a.go"}},
		"t3": {Status: TaskError, RemainingFiles: []string{"a.go", "c.go"}},
	})

	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, stats.RemainingFiles)
	assert.Equal(t, 3, stats.RemainingFilesCount)
}

func TestContainsCompletionSentinel(t *testing.T) {
	assert.True(t, ContainsCompletionSentinel("all done [TASK_COMPLETE]"))
	assert.True(t, ContainsCompletionSentinel("done [task_complete] bye"))
	assert.False(t, ContainsCompletionSentinel("task complete"))
	assert.False(t, ContainsCompletionSentinel(""))
}

func TestStagePlanHelpers(t *testing.T) {
	plan := &StagePlan{
		PlanID: "p1",
		Stages: []Stage{
			{StageID: "s1", Tasks: []PlanTask{{TaskID: "t1"}}},
			{StageID: "s2", Tasks: []PlanTask{{TaskID: "t2"}, {TaskID: "t3"}}},
			{StageID: "s3", Tasks: []PlanTask{{TaskID: "t4"}}},
		},
	}

	assert.Equal(t, 1, plan.StageIndexByID("s2"))
	assert.Equal(t, -1, plan.StageIndexByID("missing"))
	assert.Equal(t, []string{"t2", "t3"}, plan.Stages[1].TaskIDs())
	assert.Equal(t, []string{"t2", "t3", "t4"}, plan.TaskIDsFromStage(1))
}

func TestNewSessionStateDefaults(t *testing.T) {
	before := time.Now().UTC()
	st := NewSessionState("sess-1")

	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, PhaseIntake, st.Phase)
	assert.NotNil(t, st.TaskProgress)
	assert.NotNil(t, st.GateStatus)
	assert.False(t, st.CreatedAt.Before(before))
}
