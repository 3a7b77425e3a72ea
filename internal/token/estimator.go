// Package token estimates token counts and monetary cost for prospective
// provider calls. Estimates use calibrated char-to-token ratios per model
// family; heuristic accuracy is acceptable here because estimates only
// gate budgets, they never bill.
package token

import (
	"fmt"
	"math"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Char-to-token ratios by model family. English prose averages ~4 chars
// per token; code-heavy prompts run denser.
var familyRatios = map[string]float64{
	"gpt":     4.0,
	"claude":  3.8,
	"gemini":  4.1,
	"llama":   3.6,
	"mistral": 3.7,
	"default": 4.0,
}

// maxCacheEntries caps the in-process estimate cache. On overflow the
// whole cache is cleared rather than tracking LRU order.
const maxCacheEntries = 4096

// Estimator computes token estimates with a bounded in-process cache.
type Estimator struct {
	cache *gocache.Cache
}

// NewEstimator creates an estimator with a 30-minute entry TTL.
func NewEstimator() *Estimator {
	return &Estimator{
		cache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// EstimateTokens returns an integer token estimate for text on the given
// provider's model.
func (e *Estimator) EstimateTokens(providerName, model, text string) int {
	if text == "" {
		return 0
	}

	key := fmt.Sprintf("%s:%s:%d:%s", providerName, model, len(text), prefix(text, 64))
	if v, ok := e.cache.Get(key); ok {
		return v.(int)
	}

	ratio := ratioFor(model)
	estimate := int(math.Ceil(float64(len(text)) / ratio))
	if estimate < 1 {
		estimate = 1
	}

	if e.cache.ItemCount() >= maxCacheEntries {
		e.cache.Flush()
	}
	e.cache.Set(key, estimate, gocache.DefaultExpiration)
	return estimate
}

// Cost computes the prospective cost of a call in USD:
// inputTokens at inputPer1K plus the full output allowance at outputPer1K.
// Never negative.
func Cost(inputTokens, maxOutputTokens int, inputPer1K, outputPer1K float64) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if maxOutputTokens < 0 {
		maxOutputTokens = 0
	}
	cost := float64(inputTokens)*inputPer1K/1000.0 + float64(maxOutputTokens)*outputPer1K/1000.0
	if cost < 0 {
		return 0
	}
	return cost
}

// ActualCost computes the realized cost after a call completed.
func ActualCost(inputTokens, outputTokens int, inputPer1K, outputPer1K float64) float64 {
	return Cost(inputTokens, outputTokens, inputPer1K, outputPer1K)
}

func ratioFor(model string) float64 {
	m := strings.ToLower(model)
	for family, ratio := range familyRatios {
		if family != "default" && strings.Contains(m, family) {
			return ratio
		}
	}
	return familyRatios["default"]
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
