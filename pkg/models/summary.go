package models

// GateStatusValue is the verdict of one quality gate.
type GateStatusValue string

const (
	GatePass          GateStatusValue = "pass"
	GateFail          GateStatusValue = "fail"
	GateWarn          GateStatusValue = "warn"
	GateNotApplicable GateStatusValue = "not_applicable"
	GateDisabled      GateStatusValue = "disabled"
)

// GateResult is the outcome of one gate check.
type GateResult struct {
	Enabled bool            `json:"enabled"`
	Status  GateStatusValue `json:"status"`
	Reason  string          `json:"reason,omitempty"`
	Output  string          `json:"output,omitempty"`
}

// Passing reports whether the result does not block completion. Only a fail
// verdict blocks; warn surfaces in the report but passes.
func (g GateResult) Passing() bool {
	return g.Status != GateFail
}

// GateFailure is one failing entry in a gate report.
type GateFailure struct {
	Gate   string          `json:"gate"`
	Status GateStatusValue `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Output string          `json:"output,omitempty"`
}

// GateReport is the summary the gate runner returns for one pass over all
// configured gates.
type GateReport struct {
	AllPass  bool                  `json:"allPass"`
	Gates    map[string]GateResult `json:"gates"`
	Failures []GateFailure         `json:"failures,omitempty"`
}

// StageSummary is the barrier result for one stage: every task has reached a
// terminal status by the time the caller observes it.
type StageSummary struct {
	StageID              string                   `json:"stageId"`
	AllSuccess           bool                     `json:"allSuccess"`
	SuccessCount         int                      `json:"successCount"`
	FailCount            int                      `json:"failCount"`
	RetryCount           int                      `json:"retryCount"`
	RemainingFiles       []string                 `json:"remainingFiles,omitempty"`
	CompletionMarkerSeen bool                     `json:"completionMarkerSeen"`
	TotalCost            float64                  `json:"totalCost"`
	ToolEvents           int                      `json:"toolEvents"`
	FileChanges          []FileChange             `json:"fileChanges,omitempty"`
	TaskProgress         map[string]*TaskProgress `json:"taskProgress,omitempty"`
}

// Usage aggregates worker spend for one driver run.
type Usage struct {
	TotalCostUSD float64 `json:"totalCostUsd"`
	WorkerTurns  int     `json:"workerTurns"`
}

// StageProgress is the done/total stage counter in a driver result.
type StageProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// DriverResult is the structured value a driver run always returns. The
// Status field is authoritative; controllable failures never surface as
// errors past the top-level call.
type DriverResult struct {
	SessionID           string                   `json:"sessionId"`
	Reply               string                   `json:"reply,omitempty"`
	Usage               Usage                    `json:"usage"`
	ToolEvents          int                      `json:"toolEvents"`
	Iterations          int                      `json:"iterations"`
	RecoveryCount       int                      `json:"recoveryCount"`
	Phase               string                   `json:"phase"`
	GateStatus          map[string]GateResult    `json:"gateStatus,omitempty"`
	CurrentGate         string                   `json:"currentGate,omitempty"`
	Status              SessionStatus            `json:"status"`
	Progress            ProgressStats            `json:"progress"`
	Elapsed             float64                  `json:"elapsed"`
	StageIndex          int                      `json:"stageIndex"`
	StageCount          int                      `json:"stageCount"`
	CurrentStageID      string                   `json:"currentStageId,omitempty"`
	PlanFrozen          bool                     `json:"planFrozen"`
	TaskProgress        map[string]*TaskProgress `json:"taskProgress,omitempty"`
	FileChanges         []FileChange             `json:"fileChanges,omitempty"`
	StageProgress       StageProgress            `json:"stageProgress"`
	RemainingFilesCount int                      `json:"remainingFilesCount"`
}
