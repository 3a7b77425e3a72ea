// Package router selects a (provider, model) target per stage invocation
// under capability, capacity, and budget constraints, and walks a
// configured fallback chain on failure.
package router

import (
	"fmt"
	"strings"
	"time"

	"taskforge/internal/provider"
)

// Target is a provider:model pair usable for an invocation.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// String renders the canonical "provider:model" form.
func (t Target) String() string {
	return t.Provider + ":" + t.Model
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool {
	return t.Provider == "" && t.Model == ""
}

// ParseTarget parses "provider:model".
func ParseTarget(s string) (Target, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, fmt.Errorf("invalid target %q: want provider:model", s)
	}
	return Target{Provider: parts[0], Model: parts[1]}, nil
}

// Tier tags which rung of the fallback chain produced a decision.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierFallback  Tier = "fallback"
	TierEmergency Tier = "emergency"
)

// Priority mirrors task priority for routing tie-breaks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// LatencySensitive reports whether the priority prefers fast targets
// over cheap ones.
func (p Priority) LatencySensitive() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// RouteContext is the input to a pick.
type RouteContext struct {
	AgentID         string                `json:"agent_id"`
	TaskKind        string                `json:"task_kind,omitempty"`
	RequiredCaps    provider.Capabilities `json:"required_caps,omitempty"`
	EstimatedTokens int                   `json:"estimated_tokens"`
	MaxOutputTokens int                   `json:"max_output_tokens"`
	Priority        Priority              `json:"priority"`
	BudgetCeiling   float64               `json:"budget_ceiling,omitempty"` // 0 = no explicit ceiling
	Excluded        []Target              `json:"excluded,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
}

// IsExcluded reports whether t was already tried in this invocation.
func (rc *RouteContext) IsExcluded(t Target) bool {
	for _, e := range rc.Excluded {
		if e == t {
			return true
		}
	}
	return false
}

// Exclude returns a copy of the context with t appended to the excluded
// set.
func (rc RouteContext) Exclude(t Target) RouteContext {
	excluded := make([]Target, 0, len(rc.Excluded)+1)
	excluded = append(excluded, rc.Excluded...)
	if !rc.IsExcluded(t) {
		excluded = append(excluded, t)
	}
	rc.Excluded = excluded
	return rc
}

// Decision is the output of a pick, retained for audit.
type Decision struct {
	Target    Target       `json:"target"`
	Tier      Tier         `json:"tier"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
	Context   RouteContext `json:"context"`
	EstCost   float64      `json:"est_cost"`
}

// Config holds routing defaults, fallback chains, and budget caps.
type Config struct {
	Default             Target              // Default primary target
	Fallbacks           map[string][]Target // primary target string -> ordered fallbacks
	MaxFallbackAttempts int                 // Total invocation attempts across the chain
	RetriesPerTarget    int                 // Retryable failures tolerated before excluding a target
	BackoffBase         time.Duration       // Exponential backoff base (default 1s)
	BackoffCap          time.Duration       // Backoff ceiling (default 10s)
	HistorySize         int                 // Ring buffer capacity
	PerProviderCapsUSD  map[string]float64  // Daily spend cap per provider
	Timezone            *time.Location      // Local midnight for daily counter reset
}

func (c *Config) applyDefaults() {
	if c.MaxFallbackAttempts == 0 {
		c.MaxFallbackAttempts = 10
	}
	if c.RetriesPerTarget == 0 {
		c.RetriesPerTarget = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = 256
	}
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
}
