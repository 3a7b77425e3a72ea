// Package pipeline implements the per-task stage state machine: ordered
// agent stages with durable checkpoints, approval gates, retries,
// budget checks, and cooperative cancellation.
package pipeline

import (
	"time"

	"taskforge/internal/agent"
	"taskforge/internal/router"
	"taskforge/internal/worktree"
)

// Status is the pipeline lifecycle state.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPaused           Status = "paused"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the pipeline can never run again.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsResumable reports whether Resume may continue this pipeline.
// Only queued and paused pipelines resume.
func (s Status) IsResumable() bool {
	return s == StatusQueued || s == StatusPaused
}

// GatePolicy is the rule applied when a stage completes.
type GatePolicy string

const (
	GateAutoAdvance     GatePolicy = "auto-advance"
	GateRequireApproval GatePolicy = "require-approval"
	GateBestEffort      GatePolicy = "best-effort"
)

// Stage is one (agent, gate, timeout) step. The agent definition is
// cloned from the roster at submit time so later roster edits cannot
// change a running pipeline.
type Stage struct {
	Agent          agent.Definition `json:"agent"`
	Gate           GatePolicy       `json:"gate"`
	StageTimeoutMs int              `json:"stage_timeout_ms"`
}

// Timeout returns the effective stage timeout, falling back to the
// agent's bound.
func (s Stage) Timeout() time.Duration {
	if s.StageTimeoutMs > 0 {
		return time.Duration(s.StageTimeoutMs) * time.Millisecond
	}
	return s.Agent.StageTimeout()
}

// StageResult is the per-stage outcome retained in the checkpoint.
type StageResult struct {
	AgentID            string                `json:"agent_id"`
	Target             router.Target         `json:"target"`
	RequestFingerprint string                `json:"request_fingerprint"`
	ResponseSummary    string                `json:"response_summary"`
	InputTokens        int                   `json:"input_tokens"`
	OutputTokens       int                   `json:"output_tokens"`
	CostUSD            float64               `json:"cost_usd"`
	LatencyMs          int64                 `json:"latency_ms"`
	Decisions          []router.Decision     `json:"decisions,omitempty"`
	FilesChanged       *worktree.FileChanges `json:"files_changed,omitempty"`
	Skipped            bool                  `json:"skipped,omitempty"` // best-effort stage that produced no result
	CompletedAt        time.Time             `json:"completed_at"`
}

// Metrics aggregates consumption across a pipeline's stages.
type Metrics struct {
	TotalInputTokens  int            `json:"total_input_tokens"`
	TotalOutputTokens int            `json:"total_output_tokens"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	WallClockMs       int64          `json:"wall_clock_ms"`
	ProviderCalls     map[string]int `json:"provider_calls,omitempty"`
}

// LastError captures the most recent failure for the checkpoint.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Pipeline is the durable record of one task's traversal through its
// stage list. The checkpoint form of this struct is sufficient to
// reconstruct the pipeline from a cold start.
type Pipeline struct {
	Version      int                  `json:"version"`
	ID           string               `json:"id"`
	TaskID       string               `json:"task_id"`
	Stages       []Stage              `json:"stages"`
	CurrentStage int                  `json:"current_stage"`
	StageResults map[int]*StageResult `json:"stage_results"`
	Metrics      Metrics              `json:"metrics"`
	Status       Status               `json:"status"`
	StartedAt    time.Time            `json:"started_at"`
	CheckpointAt time.Time            `json:"checkpoint_at"`
	LastError    *LastError           `json:"last_error,omitempty"`
	TimeoutMs    int                  `json:"timeout_ms,omitempty"` // Optional overall timeout
}

// Event types observable from the state machine.
const (
	EventStarted          = "pipeline.started"
	EventStageSucceeded   = "pipeline.stage.succeeded"
	EventStageFailed      = "pipeline.stage.failed"
	EventAwaitingApproval = "pipeline.awaiting-approval"
	EventCompleted        = "pipeline.completed"
	EventCancelled        = "pipeline.cancelled"
	EventRouterFallback   = "router.fallback"
	EventBudgetThreshold  = "budget.threshold-crossed"
)

// Event is one observable pipeline transition. Delivery is best-effort,
// one-shot per transition.
type Event struct {
	Type       string    `json:"type"`
	PipelineID string    `json:"pipeline_id"`
	TaskID     string    `json:"task_id,omitempty"`
	StageIndex int       `json:"stage_index,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
