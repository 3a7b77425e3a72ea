package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens_FamilyRatios(t *testing.T) {
	e := NewEstimator()
	text := strings.Repeat("a", 400)

	// 400 chars / 4.0 = 100 for the gpt family and unknown models.
	assert.Equal(t, 100, e.EstimateTokens("openai", "gpt-4o", text))
	assert.Equal(t, 100, e.EstimateTokens("x", "mystery-model", text))

	// Claude packs denser: 400 / 3.8 rounds up to 106.
	assert.Equal(t, 106, e.EstimateTokens("anthropic", "claude-sonnet", text))
}

func TestEstimateTokens_Bounds(t *testing.T) {
	e := NewEstimator()
	assert.Equal(t, 0, e.EstimateTokens("p", "m", ""))
	assert.Equal(t, 1, e.EstimateTokens("p", "gpt-4", "ab"))
}

func TestEstimateTokens_CacheHit(t *testing.T) {
	e := NewEstimator()
	text := strings.Repeat("code ", 100)
	first := e.EstimateTokens("p", "gpt-4", text)
	second := e.EstimateTokens("p", "gpt-4", text)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, e.cache.ItemCount())
}

func TestEstimateTokens_CacheClearsOnOverflow(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < maxCacheEntries; i++ {
		e.EstimateTokens("p", "gpt-4", strings.Repeat("x", i+1))
	}
	assert.Equal(t, maxCacheEntries, e.cache.ItemCount())

	// One more insert flushes everything first.
	e.EstimateTokens("p", "gpt-4", strings.Repeat("y", maxCacheEntries+10))
	assert.Equal(t, 1, e.cache.ItemCount())
}

func TestCost(t *testing.T) {
	// 1000 input at $0.01/1K + 2000 output allowance at $0.03/1K.
	assert.InDelta(t, 0.07, Cost(1000, 2000, 0.01, 0.03), 1e-9)
	assert.Equal(t, 0.0, Cost(-5, -5, 0.01, 0.03))
	assert.Equal(t, 0.0, Cost(0, 0, 0.01, 0.03))
}

func TestActualCost(t *testing.T) {
	assert.InDelta(t, 0.025, ActualCost(1000, 500, 0.01, 0.03), 1e-9)
}
