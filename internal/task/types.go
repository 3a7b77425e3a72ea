// Package task implements the epic/story/task hierarchy store: JSON-file
// persistence with atomic writes, parent/child invariants, the
// dependency graph with cycle detection, the ready-queue projection, and
// template-based epic decomposition.
package task

import "time"

// recordVersion is the migration tag written at the top of every
// persisted record.
const recordVersion = 1

// Status is the shared work-item status domain.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// statusRank orders the forward progression for monotonicity checks.
var statusRank = map[Status]int{
	StatusBacklog:    0,
	StatusReady:      1,
	StatusInProgress: 2,
	StatusReview:     3,
	StatusDone:       4,
}

// ValidTransition reports whether from -> to is allowed: transitions are
// monotonic along the forward progression, except that any non-terminal
// state may fall back to blocked or ready, and any non-terminal state
// may be cancelled.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusBlocked || to == StatusReady || to == StatusCancelled {
		return true
	}
	fromRank, ok1 := statusRank[from]
	toRank, ok2 := statusRank[to]
	if from == StatusBlocked {
		fromRank, ok1 = statusRank[StatusBacklog], true
	}
	return ok1 && ok2 && toRank > fromRank
}

// Priority orders work items for the ready queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the sort weight; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Usage records realized token/cost consumption after execution.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Epic is a top-level work item owning stories.
type Epic struct {
	Version            int        `json:"version"`
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	BusinessValue      string     `json:"business_value,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	Priority           Priority   `json:"priority"`
	Status             Status     `json:"status"`
	EstimatedEffort    int        `json:"estimated_effort,omitempty"`
	ActualEffort       int        `json:"actual_effort,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	StoryIDs           []string   `json:"story_ids"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Story is a mid-level work item owning tasks.
type Story struct {
	Version            int       `json:"version"`
	ID                 string    `json:"id"`
	EpicID             string    `json:"epic_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	UserStory          string    `json:"user_story,omitempty"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Priority           Priority  `json:"priority"`
	Status             Status    `json:"status"`
	EstimatedEffort    int       `json:"estimated_effort,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	TaskIDs            []string  `json:"task_ids"`
	DependsOn          []string  `json:"depends_on,omitempty"` // Other story IDs
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Task is the unit executed by the pipeline.
type Task struct {
	Version         int               `json:"version"`
	ID              string            `json:"id"`
	StoryID         string            `json:"story_id"`
	EpicID          string            `json:"epic_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	TechnicalDetail string            `json:"technical_detail,omitempty"`
	Priority        Priority          `json:"priority"`
	Status          Status            `json:"status"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	EstimatedTokens int               `json:"estimated_tokens,omitempty"`
	EstimatedCost   float64           `json:"estimated_cost,omitempty"`
	ActualUsage     *Usage            `json:"actual_usage,omitempty"`
	PipelineID      string            `json:"pipeline_id,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"` // Other task IDs; blocks edges
	Prerequisites   []string          `json:"prerequisites,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Outputs         []string          `json:"outputs,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Subtasks        []Subtask         `json:"subtasks,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Subtask is decorative hierarchy below a task; the pipeline never
// executes these.
type Subtask struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Done       bool        `json:"done"`
	CheckItems []CheckItem `json:"check_items,omitempty"`
}

// CheckItem is a checklist entry under a subtask.
type CheckItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}
