package router

import (
	"sync"
	"sync/atomic"
	"time"
)

// Spend counters are kept in integer micro-dollars so they can use
// sync/atomic add-then-check; float arithmetic happens only at the
// edges.
const microPerUSD = 1_000_000

func toMicro(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(usd*microPerUSD + 0.5)
}

func fromMicro(m int64) float64 {
	return float64(m) / microPerUSD
}

// BudgetSnapshot is a point-in-time view of daily spend.
type BudgetSnapshot struct {
	Date        string             `json:"date"`
	PerProvider map[string]float64 `json:"per_provider"`
	CapsUSD     map[string]float64 `json:"caps_usd"`
	TotalUSD    float64            `json:"total_usd"`
	TotalCapUSD float64            `json:"total_cap_usd"`
}

// budget tracks daily spend per provider, keyed by local date.
// Counters reset lazily when the local date changes; an in-flight call
// that started before midnight charges whichever day it lands on, which
// never retroactively invalidates it.
type budget struct {
	caps     map[string]int64 // provider -> daily cap, micro-USD
	totalCap int64            // sum of per-provider caps
	loc      *time.Location

	mu       sync.Mutex
	day      string
	counters map[string]*int64
	total    *int64
}

func newBudget(capsUSD map[string]float64, loc *time.Location) *budget {
	caps := make(map[string]int64, len(capsUSD))
	var totalCap int64
	for name, usd := range capsUSD {
		caps[name] = toMicro(usd)
		totalCap += toMicro(usd)
	}
	b := &budget{caps: caps, totalCap: totalCap, loc: loc}
	b.rollover(time.Now().In(loc))
	return b
}

// rollover swaps in fresh counters for a new local date.
// Caller must NOT hold b.mu.
func (b *budget) rollover(now time.Time) {
	day := now.Format("2006-01-02")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.day == day && b.counters != nil {
		return
	}
	b.day = day
	b.counters = make(map[string]*int64, len(b.caps))
	for name := range b.caps {
		b.counters[name] = new(int64)
	}
	b.total = new(int64)
}

// counterFor returns the live counter for a provider on the current day.
func (b *budget) counterFor(provider string) (*int64, *int64) {
	b.rollover(time.Now().In(b.loc))
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[provider]
	if !ok {
		c = new(int64)
		b.counters[provider] = c
	}
	return c, b.total
}

// setCaps replaces the cap table on a config reload. Live counters are
// preserved so spend already recorded today still counts.
func (b *budget) setCaps(capsUSD map[string]float64) {
	caps := make(map[string]int64, len(capsUSD))
	var totalCap int64
	for name, usd := range capsUSD {
		caps[name] = toMicro(usd)
		totalCap += toMicro(usd)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caps = caps
	b.totalCap = totalCap
}

// capFor reads one provider's cap and the aggregate cap.
func (b *budget) capFor(provider string) (cap int64, capped bool, totalCap int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cap, capped = b.caps[provider]
	return cap, capped, b.totalCap
}

// wouldExceed reports whether spending est on provider would cross its
// daily cap or the aggregate daily cap. Pure read; reservations held by
// in-flight calls are visible through the counters.
func (b *budget) wouldExceed(provider string, estUSD float64) bool {
	cap, capped, totalCap := b.capFor(provider)
	c, total := b.counterFor(provider)
	est := toMicro(estUSD)
	if capped && atomic.LoadInt64(c)+est > cap {
		return true
	}
	if totalCap > 0 && atomic.LoadInt64(total)+est > totalCap {
		return true
	}
	return false
}

// reserve adds est to the provider and aggregate counters, rolling both
// back and refusing when either cap would be crossed. A granted
// reservation stays on the counters until release, so concurrent
// reservations cannot cross a cap together.
func (b *budget) reserve(provider string, estUSD float64) bool {
	cap, capped, totalCap := b.capFor(provider)
	c, total := b.counterFor(provider)
	est := toMicro(estUSD)
	nc := atomic.AddInt64(c, est)
	nt := atomic.AddInt64(total, est)
	if (capped && nc > cap) || (totalCap > 0 && nt > totalCap) {
		atomic.AddInt64(c, -est)
		atomic.AddInt64(total, -est)
		return false
	}
	return true
}

// release returns a reservation to the counters. The caller charges the
// realized cost separately.
func (b *budget) release(provider string, estUSD float64) {
	c, total := b.counterFor(provider)
	est := toMicro(estUSD)
	atomic.AddInt64(c, -est)
	atomic.AddInt64(total, -est)
}

// charge records spend atomically (add-then-check discipline: the add is
// unconditional so two concurrent calls cannot both cross the cap by
// more than one outstanding call's estimate).
func (b *budget) charge(provider string, usd float64) {
	c, total := b.counterFor(provider)
	m := toMicro(usd)
	atomic.AddInt64(c, m)
	atomic.AddInt64(total, m)
}

// spent returns today's accumulated spend for one provider in USD.
func (b *budget) spent(provider string) float64 {
	c, _ := b.counterFor(provider)
	return fromMicro(atomic.LoadInt64(c))
}

// totalSpent returns today's accumulated spend across providers in USD.
func (b *budget) totalSpent() float64 {
	_, total := b.counterFor("")
	return fromMicro(atomic.LoadInt64(total))
}

// snapshot captures current spend and caps.
func (b *budget) snapshot() BudgetSnapshot {
	b.rollover(time.Now().In(b.loc))
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BudgetSnapshot{
		Date:        b.day,
		PerProvider: make(map[string]float64, len(b.counters)),
		CapsUSD:     make(map[string]float64, len(b.caps)),
		TotalCapUSD: fromMicro(b.totalCap),
	}
	for name, c := range b.counters {
		snap.PerProvider[name] = fromMicro(atomic.LoadInt64(c))
	}
	for name, cap := range b.caps {
		snap.CapsUSD[name] = fromMicro(cap)
	}
	snap.TotalUSD = fromMicro(atomic.LoadInt64(b.total))
	return snap
}
