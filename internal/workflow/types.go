package workflow

// Workflow list statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

// PipelineInput is the single argument of the pipeline workflow.
type PipelineInput struct {
	WebURL              string `json:"webUrl"`
	RepoPath            string `json:"repoPath"`
	ConfigPath          string `json:"configPath,omitempty"`
	OutputPath          string `json:"outputPath,omitempty"`
	PipelineTestingMode bool   `json:"pipelineTestingMode,omitempty"`
	WorkflowID          string `json:"workflowId,omitempty"`
}

// AgentMetrics are per-agent figures reported by the pipeline.
type AgentMetrics struct {
	DurationMs   float64  `json:"durationMs"`
	InputTokens  *int64   `json:"inputTokens"`
	OutputTokens *int64   `json:"outputTokens"`
	CostUSD      *float64 `json:"costUsd"`
	NumTurns     *int     `json:"numTurns"`
	Model        string   `json:"model,omitempty"`
}

// PipelineSummary aggregates agent metrics once the pipeline finishes.
type PipelineSummary struct {
	TotalCostUSD    float64 `json:"totalCostUsd"`
	TotalDurationMs float64 `json:"totalDurationMs"`
	TotalTurns      int     `json:"totalTurns"`
	AgentCount      int     `json:"agentCount"`
}

// Progress is the result of the progress query.
type Progress struct {
	WorkflowID      string                  `json:"workflowId"`
	Status          string                  `json:"status"`
	CurrentPhase    *string                 `json:"currentPhase"`
	CurrentAgent    *string                 `json:"currentAgent"`
	CompletedAgents []string                `json:"completedAgents"`
	FailedAgent     *string                 `json:"failedAgent"`
	Error           *string                 `json:"error"`
	StartTime       int64                   `json:"startTime"`
	ElapsedMs       int64                   `json:"elapsedMs"`
	AgentMetrics    map[string]AgentMetrics `json:"agentMetrics"`
	Summary         *PipelineSummary        `json:"summary"`
}

// ListItem is a lightweight workflow summary. Times are unix milliseconds.
type ListItem struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	WebURL     string `json:"webUrl,omitempty"`
	StartTime  int64  `json:"startTime"`
	EndTime    *int64 `json:"endTime,omitempty"`
}
