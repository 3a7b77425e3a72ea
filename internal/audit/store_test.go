package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/router"
	"taskforge/internal/usage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordDecision_RoundTrip(t *testing.T) {
	s := newStore(t)

	for i, tier := range []router.Tier{router.TierPrimary, router.TierFallback} {
		err := s.RecordDecision(router.Decision{
			Target:    router.Target{Provider: "openai", Model: "gpt-4o"},
			Tier:      tier,
			Reason:    "primary target eligible",
			EstCost:   0.01 * float64(i+1),
			Timestamp: time.Now(),
			Context:   router.RouteContext{AgentID: "implementer", EstimatedTokens: 1000},
		})
		require.NoError(t, err)
	}

	got, err := s.RecentDecisions(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, router.TierFallback, got[0].Tier)
	assert.Equal(t, "openai", got[0].Target.Provider)
	assert.Equal(t, "implementer", got[0].Context.AgentID)
	assert.Equal(t, 1000, got[0].Context.EstimatedTokens)
	assert.InDelta(t, 0.02, got[0].EstCost, 1e-9)
}

func TestRecentDecisions_Limit(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordDecision(router.Decision{
			Target:    router.Target{Provider: "openai", Model: "gpt-4o"},
			Tier:      router.TierPrimary,
			Timestamp: time.Now(),
		}))
	}
	got, err := s.RecentDecisions(3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSpendSince(t *testing.T) {
	s := newStore(t)
	now := time.Now()

	record := func(providerName string, cost float64, at time.Time) {
		require.NoError(t, s.RecordUsage(usage.Event{
			Timestamp:    at,
			Provider:     providerName,
			Model:        "m",
			AgentID:      "implementer",
			InputTokens:  100,
			OutputTokens: 50,
			CostUSD:      cost,
		}))
	}
	record("openai", 0.10, now)
	record("openai", 0.05, now)
	record("anthropic", 0.20, now)
	record("openai", 9.99, now.Add(-48*time.Hour)) // outside the window

	spend, err := s.SpendSince(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.15, spend["openai"], 1e-9)
	assert.InDelta(t, 0.20, spend["anthropic"], 1e-9)
}

func TestStore_ReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.RecordDecision(router.Decision{
		Target:    router.Target{Provider: "openai", Model: "gpt-4o"},
		Tier:      router.TierPrimary,
		Timestamp: time.Now(),
	}))
	require.NoError(t, s.Close())

	s2, err := NewStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.RecentDecisions(10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
