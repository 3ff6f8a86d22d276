package driver

import (
	"fmt"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// intakeReadySignal is the reply an intake turn uses to say no further
// clarification is needed. Matching is case-insensitive.
const intakeReadySignal = "READY"

// buildIntakeQuestionPrompt asks the agent for at most one clarifying
// question. The transcript carries the rounds already answered so the agent
// does not repeat itself.
func buildIntakeQuestionPrompt(objective, transcript string) string {
	var b strings.Builder

	b.WriteString("You are preparing to plan a multi-stage coding run.\n")

	b.WriteString("\n## Objective\n")
	b.WriteString(objective)
	b.WriteString("\n")

	if transcript != "" {
		b.WriteString("\n## Clarifications so far\n")
		b.WriteString(transcript)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nIf one piece of information is still missing and would change the plan, reply with that single question and nothing else. If the objective is clear enough to plan, reply with exactly %s.\n", intakeReadySignal)
	return b.String()
}

// buildScaffoldPrompt asks for the skeleton turn that runs once before the
// first stage: directories and placeholder files, so parallel tasks never
// race to create shared structure.
func buildScaffoldPrompt(objective string, p *models.StagePlan) string {
	var b strings.Builder

	b.WriteString("You are preparing the workspace for a multi-stage coding run.\n")

	b.WriteString("\n## Objective\n")
	b.WriteString(objective)
	b.WriteString("\n")

	files := plannedFiles(p)
	if len(files) > 0 {
		b.WriteString("\n## Planned files\n")
		for _, f := range files {
			b.WriteString("- " + f + "\n")
		}
	}

	b.WriteString("\nCreate the directory structure and any shared configuration the planned files need (build manifests, package declarations, empty placeholder files). Do not implement features; later tasks own the file contents.\n")
	return b.String()
}

// buildConfirmCompletionPrompt runs when the final stage did not surface the
// completion sentinel. One turn, answer only.
func buildConfirmCompletionPrompt(objective string) string {
	var b strings.Builder

	b.WriteString("All planned stages of this run have finished.\n")

	b.WriteString("\n## Objective\n")
	b.WriteString(objective)
	b.WriteString("\n")

	fmt.Fprintf(&b, "\nReview the work. If the objective is fully implemented, reply with %s. Otherwise describe what is still missing.\n", models.CompletionSentinel)
	return b.String()
}

// buildGateRemediationPrompt asks the agent to fix one failing quality gate.
func buildGateRemediationPrompt(objective string, f models.GateFailure) string {
	var b strings.Builder

	b.WriteString("A quality gate is failing after the implementation stages.\n")

	b.WriteString("\n## Objective\n")
	b.WriteString(objective)
	b.WriteString("\n")

	b.WriteString("\n## Failing gate\n")
	fmt.Fprintf(&b, "Gate: %s\n", f.Gate)
	if f.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", f.Reason)
	}
	if f.Output != "" {
		b.WriteString("Output:\n```\n")
		b.WriteString(f.Output)
		b.WriteString("\n```\n")
	}

	b.WriteString("\nFix the cause of this failure without regressing the completed work. Keep the change minimal.\n")
	return b.String()
}

// plannedFiles returns the deduplicated union of every task's planned files,
// in plan order.
func plannedFiles(p *models.StagePlan) []string {
	if p == nil {
		return nil
	}
	var all []string
	for _, stage := range p.Stages {
		for _, task := range stage.Tasks {
			all = append(all, task.PlannedFiles...)
		}
	}
	return models.NormalizePaths(all)
}
