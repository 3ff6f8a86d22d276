package models

// PassRuleAllSuccess is the only stage pass rule the scheduler supports: a
// stage passes iff every task in it reached the completed status.
const PassRuleAllSuccess = "all_success"

// Task complexity labels. The validator clamps anything else to medium.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// StagePlan is the frozen, validated plan for a session. Once stored on a
// session it never changes for the life of that session.
type StagePlan struct {
	PlanID    string  `json:"planId"`
	Objective string  `json:"objective"`
	Stages    []Stage `json:"stages"`
}

// Stage is one barrier-synchronized group of tasks. All tasks in a stage run
// concurrently; the next stage starts only after every task is terminal.
type Stage struct {
	StageID  string     `json:"stageId"`
	Name     string     `json:"name,omitempty"`
	PassRule string     `json:"passRule"`
	Tasks    []PlanTask `json:"tasks"`
}

// PlanTask is the smallest dispatchable unit. It owns a set of files that no
// other task in the plan may touch.
type PlanTask struct {
	TaskID       string   `json:"taskId"`
	Prompt       string   `json:"prompt"`
	PlannedFiles []string `json:"plannedFiles,omitempty"`
	Acceptance   []string `json:"acceptance,omitempty"`
	DependsOn    []string `json:"dependsOn,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
	TimeoutMs    int      `json:"timeoutMs,omitempty"`
	MaxRetries   int      `json:"maxRetries,omitempty"`
}

// Clone returns a deep copy of the plan.
func (p *StagePlan) Clone() *StagePlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Stages = make([]Stage, len(p.Stages))
	for i, st := range p.Stages {
		out.Stages[i] = st.Clone()
	}
	return &out
}

// Clone returns a deep copy of the stage.
func (s Stage) Clone() Stage {
	out := s
	out.Tasks = make([]PlanTask, len(s.Tasks))
	for i, t := range s.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

// Clone returns a deep copy of the task.
func (t PlanTask) Clone() PlanTask {
	out := t
	if t.PlannedFiles != nil {
		out.PlannedFiles = append([]string(nil), t.PlannedFiles...)
	}
	if t.Acceptance != nil {
		out.Acceptance = append([]string(nil), t.Acceptance...)
	}
	if t.DependsOn != nil {
		out.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return out
}

// StageIndexByID returns the index of the stage with the given id, or -1.
func (p *StagePlan) StageIndexByID(stageID string) int {
	if p == nil {
		return -1
	}
	for i, st := range p.Stages {
		if st.StageID == stageID {
			return i
		}
	}
	return -1
}

// TaskIDs returns the ids of all tasks in the stage, in plan order.
func (s Stage) TaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		ids = append(ids, t.TaskID)
	}
	return ids
}

// TaskIDsFromStage returns the ids of every task in the stage at index i and
// all later stages. Used when a stage retry wipes downstream progress.
func (p *StagePlan) TaskIDsFromStage(i int) []string {
	if p == nil || i < 0 {
		return nil
	}
	var ids []string
	for ; i < len(p.Stages); i++ {
		ids = append(ids, p.Stages[i].TaskIDs()...)
	}
	return ids
}
