package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

func TestCommandAgentDecodesResult(t *testing.T) {
	a := NewCommandAgent(CommandConfig{
		Command: "sh",
		Args:    []string{"-c", `echo '{"status":"completed","completedFiles":["a.go"],"reply":"done [TASK_COMPLETE]","cost":0.05}'`},
	})

	result, err := a.Run(context.Background(), Request{SessionID: "s", TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, result.Status)
	assert.Equal(t, []string{"a.go"}, result.CompletedFiles)
	assert.InDelta(t, 0.05, result.Cost, 1e-9)
	assert.True(t, models.ContainsCompletionSentinel(result.Reply))
}

func TestCommandAgentWrapsPlainOutput(t *testing.T) {
	a := NewCommandAgent(CommandConfig{Command: "sh", Args: []string{"-c", "echo all good"}})

	result, err := a.Run(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, result.Status)
	assert.Equal(t, "all good", result.Reply)
}

func TestCommandAgentReportsFailureAsErrorResult(t *testing.T) {
	a := NewCommandAgent(CommandConfig{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})

	result, err := a.Run(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultError, result.Status)
	assert.Contains(t, result.Error, "boom")
}

func TestCommandAgentTimeoutYieldsInterrupted(t *testing.T) {
	a := NewCommandAgent(CommandConfig{Command: "sh", Args: []string{"-c", "sleep 5"}})

	start := time.Now()
	result, err := a.Run(context.Background(), Request{TaskID: "t1", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.ResultInterrupted, result.Status)
}

func TestCommandAgentCancelYieldsCancelled(t *testing.T) {
	a := NewCommandAgent(CommandConfig{Command: "sh", Args: []string{"-c", "sleep 5"}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := a.Run(ctx, Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCancelled, result.Status)
}

func TestCommandAgentRequiresCommand(t *testing.T) {
	a := NewCommandAgent(CommandConfig{})

	_, err := a.Run(context.Background(), Request{TaskID: "t1"})
	assert.Error(t, err)
}

func TestScriptedAgentReplaysInOrder(t *testing.T) {
	a := NewScriptedAgent()
	a.Script("t1",
		&models.TaskResult{Status: models.ResultError, Error: "first try fails"},
		&models.TaskResult{Status: models.ResultCompleted, Reply: models.CompletionSentinel},
	)

	r1, err := a.Run(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultError, r1.Status)

	r2, err := a.Run(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, r2.Status)

	// Last scripted result repeats.
	r3, err := a.Run(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, r3.Status)

	assert.Len(t, a.CallsFor("t1"), 3)
}

func TestScriptedAgentDefaultCompletesPlannedFiles(t *testing.T) {
	a := NewScriptedAgent()

	r, err := a.Run(context.Background(), Request{TaskID: "t9", PlannedFiles: []string{"x.go"}})
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, r.Status)
	assert.Equal(t, []string{"x.go"}, r.CompletedFiles)
}
