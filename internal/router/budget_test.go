package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMicroConversion(t *testing.T) {
	assert.Equal(t, int64(1_000_000), toMicro(1.0))
	assert.Equal(t, int64(10_000), toMicro(0.01))
	assert.Equal(t, int64(0), toMicro(-5))
	assert.InDelta(t, 0.01, fromMicro(10_000), 1e-12)

	// Round half up, never truncate spend away.
	assert.Equal(t, int64(1), toMicro(0.0000009))
}

func TestBudget_WouldExceedBoundaries(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 1.00}, time.Local)
	b.charge("alpha", 0.99)

	// Equality does not exceed; only crossing does.
	assert.False(t, b.wouldExceed("alpha", 0.01))
	assert.True(t, b.wouldExceed("alpha", 0.02))
}

func TestBudget_TotalCapAcrossProviders(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 1, "beta": 1}, time.Local)
	b.charge("alpha", 0.9)
	b.charge("beta", 0.9)

	// 1.8 + 0.05 fits both alpha's cap and the $2 aggregate.
	assert.False(t, b.wouldExceed("alpha", 0.05))
	// 0.9 + 0.3 crosses alpha's own $1 cap.
	assert.True(t, b.wouldExceed("alpha", 0.3))
	// A provider without its own cap is still bounded by the aggregate.
	assert.True(t, b.wouldExceed("uncapped", 0.5))
}

func TestBudget_ReserveHoldsUntilRelease(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 1.00}, time.Local)

	assert.True(t, b.reserve("alpha", 0.6))
	// The held reservation is visible to concurrent checks.
	assert.True(t, b.wouldExceed("alpha", 0.6))
	assert.False(t, b.reserve("alpha", 0.6))
	// A refused reservation leaves no residue on the counters.
	assert.InDelta(t, 0.6, b.spent("alpha"), 1e-9)

	b.release("alpha", 0.6)
	assert.InDelta(t, 0.0, b.spent("alpha"), 1e-9)
	assert.True(t, b.reserve("alpha", 0.6))
}

func TestBudget_ChargeIsAtomicUnderConcurrency(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 1000}, time.Local)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.charge("alpha", 0.001)
			}
		}()
	}
	wg.Wait()
	assert.InDelta(t, 5.0, b.spent("alpha"), 1e-6)
	assert.InDelta(t, 5.0, b.totalSpent(), 1e-6)
}

func TestBudget_Snapshot(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 2.5}, time.Local)
	b.charge("alpha", 0.5)

	snap := b.snapshot()
	assert.Equal(t, time.Now().Format("2006-01-02"), snap.Date)
	assert.InDelta(t, 0.5, snap.PerProvider["alpha"], 1e-9)
	assert.InDelta(t, 2.5, snap.CapsUSD["alpha"], 1e-9)
	assert.InDelta(t, 0.5, snap.TotalUSD, 1e-9)
	assert.InDelta(t, 2.5, snap.TotalCapUSD, 1e-9)
}

func TestBudget_RolloverResetsCounters(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 1}, time.Local)
	b.charge("alpha", 0.7)
	assert.InDelta(t, 0.7, b.spent("alpha"), 1e-9)

	// Simulate the next local day.
	b.rollover(time.Now().AddDate(0, 0, 1))
	assert.Equal(t, 0.0, b.spent("alpha"))
	assert.False(t, b.wouldExceed("alpha", 0.9))
}

func TestBudget_SetCapsKeepsSpend(t *testing.T) {
	b := newBudget(map[string]float64{"alpha": 1}, time.Local)
	b.charge("alpha", 0.8)

	b.setCaps(map[string]float64{"alpha": 5})
	assert.InDelta(t, 0.8, b.spent("alpha"), 1e-9)
	assert.False(t, b.wouldExceed("alpha", 2.0))
	assert.True(t, b.wouldExceed("alpha", 4.5))
}
