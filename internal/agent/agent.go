// Package agent defines agent roles: capability profiles plus per-stage
// execution bounds.
package agent

import (
	"time"

	"taskforge/internal/provider"
)

// Type tags an agent's role in the pipeline.
type Type string

const (
	TypeOrchestrator Type = "orchestrator"
	TypeDesigner     Type = "designer"
	TypeImplementer  Type = "implementer"
	TypeValidator    Type = "validator"
	TypeDocumenter   Type = "documenter"
)

// Definition is one agent role paired with its capability profile and
// stage bounds.
type Definition struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Type            Type                  `json:"type"`
	Capabilities    provider.Capabilities `json:"capabilities"`
	UseWorktree     bool                  `json:"use_worktree"`
	MaxOutputTokens int                   `json:"max_output_tokens"`
	MaxRetries      int                   `json:"max_retries"`
	StageTimeoutMs  int                   `json:"stage_timeout_ms"`
	SystemPrompt    string                `json:"system_prompt,omitempty"`
}

// StageTimeout returns the timeout as a duration.
func (d Definition) StageTimeout() time.Duration {
	return time.Duration(d.StageTimeoutMs) * time.Millisecond
}

// DefaultRoster returns the five standard agents in pipeline order.
func DefaultRoster() []Definition {
	return []Definition{
		{
			ID:              "orchestrator",
			Name:            "Orchestrator",
			Type:            TypeOrchestrator,
			Capabilities:    provider.NewCapabilities(provider.CapStructuredJSON),
			MaxOutputTokens: 2048,
			MaxRetries:      2,
			StageTimeoutMs:  120_000,
			SystemPrompt:    "You coordinate a team of software agents. Break the task into concrete steps and state the plan tersely.",
		},
		{
			ID:              "designer",
			Name:            "Designer",
			Type:            TypeDesigner,
			Capabilities:    provider.NewCapabilities(provider.CapStructuredJSON),
			MaxOutputTokens: 4096,
			MaxRetries:      3,
			StageTimeoutMs:  180_000,
			SystemPrompt:    "You design software components. Produce interfaces, data shapes, and edge cases before any implementation.",
		},
		{
			ID:              "implementer",
			Name:            "Implementer",
			Type:            TypeImplementer,
			Capabilities:    provider.NewCapabilities(provider.CapTools),
			UseWorktree:     true,
			MaxOutputTokens: 8192,
			MaxRetries:      3,
			StageTimeoutMs:  300_000,
			SystemPrompt:    "You implement software to a given design. Write complete, working code with no placeholders.",
		},
		{
			ID:              "validator",
			Name:            "Validator",
			Type:            TypeValidator,
			Capabilities:    provider.NewCapabilities(provider.CapTools, provider.CapStructuredJSON),
			MaxOutputTokens: 4096,
			MaxRetries:      3,
			StageTimeoutMs:  180_000,
			SystemPrompt:    "You validate implementations against acceptance criteria. Report pass/fail per criterion with evidence.",
		},
		{
			ID:              "documenter",
			Name:            "Documenter",
			Type:            TypeDocumenter,
			Capabilities:    provider.NewCapabilities(),
			MaxOutputTokens: 4096,
			MaxRetries:      2,
			StageTimeoutMs:  120_000,
			SystemPrompt:    "You document completed work for future maintainers. Be accurate and brief.",
		},
	}
}

// RosterByID indexes a roster for lookup.
func RosterByID(roster []Definition) map[string]Definition {
	m := make(map[string]Definition, len(roster))
	for _, d := range roster {
		m[d.ID] = d
	}
	return m
}
