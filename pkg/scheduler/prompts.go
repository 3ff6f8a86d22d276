package scheduler

import (
	"fmt"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// buildTaskPrompt renders the worker prompt for one attempt. Every prompt
// restates the ownership contract and the completion sentinel; retries add
// the previous failure and the files still outstanding.
func buildTaskPrompt(in Input, task models.PlanTask, tp *models.TaskProgress) string {
	var b strings.Builder

	b.WriteString("You are completing one task of a larger, multi-stage plan.\n")

	b.WriteString("\n## Objective\n")
	b.WriteString(in.Objective)
	b.WriteString("\n")

	b.WriteString("\n## Stage\n")
	if in.Stage.Name != "" {
		fmt.Fprintf(&b, "%s (%s)\n", in.Stage.Name, in.Stage.StageID)
	} else {
		b.WriteString(in.Stage.StageID + "\n")
	}

	if in.PriorContext != "" {
		b.WriteString("\n## Context from earlier stages\n")
		b.WriteString(in.PriorContext)
		b.WriteString("\n")
	}

	b.WriteString("\n## Task\n")
	b.WriteString(task.Prompt)
	b.WriteString("\n")

	if len(task.PlannedFiles) > 0 {
		b.WriteString("\n## Files you own\n")
		b.WriteString("Other tasks run in parallel. Only create or modify the files below; touching any other file corrupts their work.\n")
		for _, f := range task.PlannedFiles {
			b.WriteString("- " + f + "\n")
		}
	}

	if len(task.Acceptance) > 0 {
		b.WriteString("\n## Acceptance criteria\n")
		for _, a := range task.Acceptance {
			b.WriteString("- " + a + "\n")
		}
	}

	if tp.Attempt > 1 {
		b.WriteString("\n## Retry context\n")
		fmt.Fprintf(&b, "This is attempt %d. The previous attempt did not finish the task.\n", tp.Attempt)
		if tp.LastError != "" {
			fmt.Fprintf(&b, "Last error: %s\n", tp.LastError)
		}
		if len(tp.CompletedFiles) > 0 {
			b.WriteString("Already completed (do not redo): " + strings.Join(tp.CompletedFiles, ", ") + "\n")
		}
		if len(tp.RemainingFiles) > 0 {
			b.WriteString("Still remaining: " + strings.Join(tp.RemainingFiles, ", ") + "\n")
		}
	}

	fmt.Fprintf(&b, "\nWhen the task is fully complete, end your reply with %s.\n", models.CompletionSentinel)
	return b.String()
}
