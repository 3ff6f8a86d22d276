package driver

import (
	"fmt"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// priorReplyClip bounds how much of a task's last reply is carried into the
// prompts of later stages. Prompts grow linearly with plan size, so clips
// keep them bounded regardless of how chatty the workers were.
const priorReplyClip = 250

// priorContext accumulates what later stages need to know about earlier
// ones. Each passed stage appends its section exactly once, and files are
// attributed to the first task that reported them, so a path touched across
// stages is never repeated. The rendered block is a fresh plan anchor
// followed by the accumulated sections.
type priorContext struct {
	sections []string
	recorded map[string]bool
	seen     map[string]bool
}

func newPriorContext() *priorContext {
	return &priorContext{
		recorded: make(map[string]bool),
		seen:     make(map[string]bool),
	}
}

// recordStage appends the section for a stage that just passed its barrier.
// Recording the same stage twice is a no-op, so recovery cycles do not
// duplicate history.
func (p *priorContext) recordStage(index int, stage models.Stage, summary *models.StageSummary) {
	if p.recorded[stage.StageID] {
		return
	}
	p.recorded[stage.StageID] = true
	p.sections = append(p.sections, p.renderSection(index, stage, summary.TaskProgress))
}

// rebuild reconstructs the sections from persisted progress after a resume,
// covering every stage before the session's current one.
func (p *priorContext) rebuild(st *models.SessionState) {
	if st == nil || st.StagePlan == nil {
		return
	}
	for i := 0; i < st.StageIndex && i < len(st.StagePlan.Stages); i++ {
		stage := st.StagePlan.Stages[i]
		if p.recorded[stage.StageID] {
			continue
		}
		p.recorded[stage.StageID] = true
		p.sections = append(p.sections, p.renderSection(i, stage, st.TaskProgress))
	}
}

func (p *priorContext) renderSection(index int, stage models.Stage, progress map[string]*models.TaskProgress) string {
	name := stage.Name
	if name == "" {
		name = stage.StageID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Stage %d (%s) outcomes:\n", index+1, name)

	for _, task := range stage.Tasks {
		tp := progress[task.TaskID]
		if tp == nil {
			continue
		}
		line := "- " + task.TaskID
		if reply := clip(tp.LastReply, priorReplyClip); reply != "" {
			line += ": " + reply
		}
		if files := unseenFiles(tp.CompletedFiles, p.seen); len(files) > 0 {
			line += " (files: " + strings.Join(files, ", ") + ")"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// render produces the context block injected into every task prompt of the
// stage at stageIndex: the plan anchor restated fresh so a worker deep in
// stage four still sees the same global picture the planner froze, then the
// accumulated per-stage history.
func (p *priorContext) render(plan *models.StagePlan, stageIndex int, progress map[string]*models.TaskProgress) string {
	if plan == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(buildPlanAnchor(plan, stageIndex, progress))
	for _, section := range p.sections {
		b.WriteString("\n")
		b.WriteString(section)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildPlanAnchor renders the frozen plan as a checkbox list. Stages before
// stageIndex are done, the stage at stageIndex is in progress, and task boxes
// within it reflect live progress.
func buildPlanAnchor(p *models.StagePlan, stageIndex int, progress map[string]*models.TaskProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s: %s\n", p.PlanID, p.Objective)

	for i, stage := range p.Stages {
		marker := "[ ]"
		switch {
		case i < stageIndex:
			marker = "[x]"
		case i == stageIndex:
			marker = "[>]"
		}
		name := stage.Name
		if name == "" {
			name = stage.StageID
		}
		fmt.Fprintf(&b, "%s Stage %s: %s (%d tasks)\n", marker, stage.StageID, name, len(stage.Tasks))

		for _, task := range stage.Tasks {
			box := "[ ]"
			if tp := progress[task.TaskID]; tp != nil && tp.Status == models.TaskCompleted {
				box = "[x]"
			}
			fmt.Fprintf(&b, "  %s %s\n", box, task.TaskID)
		}
	}
	return b.String()
}

// unseenFiles filters paths already mentioned by an earlier task, so a file
// touched across stages is attributed once.
func unseenFiles(paths []string, seen map[string]bool) []string {
	var out []string
	for _, p := range models.NormalizePaths(paths) {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// clip truncates s to at most n runes, collapsing newlines so the result
// stays a single prompt line.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
