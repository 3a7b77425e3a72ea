package router

import (
	"sort"
	"time"

	"taskforge/internal/logging"
	"taskforge/internal/provider"
	"taskforge/internal/token"
)

// Directory is the view of the provider registry the router needs.
// *provider.Registry satisfies it.
type Directory interface {
	Get(name string) *provider.Handle
	Names() []string
}

// Router picks targets deterministically against the current snapshot of
// budgets and the context's excluded set. Pick performs no I/O.
type Router struct {
	cfg     Config
	dir     Directory
	budget  *budget
	history *history
}

// New creates a router from config and a provider directory.
func New(cfg Config, dir Directory) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:     cfg,
		dir:     dir,
		budget:  newBudget(cfg.PerProviderCapsUSD, cfg.Timezone),
		history: newHistory(cfg.HistorySize),
	}
}

// candidate pairs a target with its prospective cost for ordering.
type candidate struct {
	target    Target
	estCost   float64
	latencyMs int64
}

// Pick selects the target for a route context, walking the chain
// primary -> fallback -> emergency. A tier whose candidates would all
// cross a spend cap is skipped. The decision is recorded in the ring
// buffer.
func (r *Router) Pick(rc RouteContext) (*Decision, error) {
	tiers := []struct {
		tier    Tier
		targets []Target
	}{
		{TierPrimary, []Target{r.cfg.Default}},
		{TierFallback, r.cfg.Fallbacks[r.cfg.Default.String()]},
		{TierEmergency, r.emergencyTargets()},
	}

	sawCandidate := false
	for _, t := range tiers {
		eligible := make([]candidate, 0, len(t.targets))
		for _, target := range t.targets {
			c, ok, countable := r.evaluate(rc, target)
			if countable {
				sawCandidate = true
			}
			if ok {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			continue
		}

		// Cost-first for low/normal priority, latency-first for
		// high/critical.
		if rc.Priority.LatencySensitive() {
			sort.Slice(eligible, func(i, j int) bool {
				if eligible[i].latencyMs != eligible[j].latencyMs {
					return eligible[i].latencyMs < eligible[j].latencyMs
				}
				return eligible[i].estCost < eligible[j].estCost
			})
		} else {
			sort.Slice(eligible, func(i, j int) bool {
				if eligible[i].estCost != eligible[j].estCost {
					return eligible[i].estCost < eligible[j].estCost
				}
				return eligible[i].latencyMs < eligible[j].latencyMs
			})
		}

		best := eligible[0]
		d := &Decision{
			Target:    best.target,
			Tier:      t.tier,
			Reason:    r.reasonFor(t.tier, rc, best),
			Timestamp: time.Now(),
			Context:   rc,
			EstCost:   best.estCost,
		}
		r.history.recordDecision(*d)
		logging.RouterDebug("Picked %s (tier=%s, est=$%.4f) for agent %s",
			best.target, t.tier, best.estCost, rc.AgentID)
		return d, nil
	}

	if sawCandidate {
		return nil, provider.NewError(provider.KindNoTarget,
			"no eligible target for agent %s: all candidates excluded, over budget, or lacking capabilities", rc.AgentID)
	}
	return nil, provider.NewError(provider.KindNoTarget,
		"no target configured for agent %s", rc.AgentID)
}

// evaluate applies the eligibility filters to one target.
// countable reports whether the target at least exists and is priced, so
// callers can tell "nothing configured" from "everything filtered".
func (r *Router) evaluate(rc RouteContext, target Target) (candidate, bool, bool) {
	if target.IsZero() {
		return candidate{}, false, false
	}
	h := r.dir.Get(target.Provider)
	if h == nil {
		return candidate{}, false, false
	}
	pricing, priced := h.Pricing[target.Model]
	if !priced {
		return candidate{}, false, false
	}

	maxOut := rc.MaxOutputTokens
	if maxOut == 0 || maxOut > h.Descriptor.MaxOutputTokens {
		maxOut = h.Descriptor.MaxOutputTokens
	}
	estCost := token.Cost(rc.EstimatedTokens, maxOut, pricing.InputPer1K, pricing.OutputPer1K)
	c := candidate{target: target, estCost: estCost, latencyMs: r.history.latencyMs(target.Provider)}

	if !h.Valid {
		return c, false, true
	}
	if !h.Descriptor.Capabilities.Supports(rc.RequiredCaps) {
		return c, false, true
	}
	if rc.IsExcluded(target) {
		return c, false, true
	}
	if rc.BudgetCeiling > 0 && estCost > rc.BudgetCeiling {
		return c, false, true
	}
	if r.budget.wouldExceed(target.Provider, estCost) {
		return c, false, true
	}
	return c, true, true
}

// emergencyTargets enumerates every priced target not already in the
// primary or fallback tiers.
func (r *Router) emergencyTargets() []Target {
	seen := map[Target]bool{r.cfg.Default: true}
	for _, t := range r.cfg.Fallbacks[r.cfg.Default.String()] {
		seen[t] = true
	}

	names := r.dir.Names()
	sort.Strings(names)
	var out []Target
	for _, name := range names {
		h := r.dir.Get(name)
		if h == nil {
			continue
		}
		models := make([]string, 0, len(h.Pricing))
		for model := range h.Pricing {
			models = append(models, model)
		}
		sort.Strings(models)
		for _, model := range models {
			t := Target{Provider: name, Model: model}
			if !seen[t] {
				out = append(out, t)
			}
		}
	}
	return out
}

func (r *Router) reasonFor(tier Tier, rc RouteContext, c candidate) string {
	switch tier {
	case TierPrimary:
		return "primary target eligible"
	case TierFallback:
		if rc.Priority.LatencySensitive() {
			return "primary unavailable; lowest-latency fallback"
		}
		return "primary unavailable; lowest-cost fallback"
	default:
		return "chain exhausted; emergency target"
	}
}

// EstimateCost prices a route context against the first priced target in
// the chain, skipping every eligibility filter. Budget prechecks need a
// raw estimate: Pick would refuse a target precisely when the caller
// wants to know by how much it crosses the cap.
func (r *Router) EstimateCost(rc RouteContext) float64 {
	targets := append([]Target{r.cfg.Default}, r.cfg.Fallbacks[r.cfg.Default.String()]...)
	for _, target := range targets {
		h := r.dir.Get(target.Provider)
		if h == nil {
			continue
		}
		pricing, ok := h.Pricing[target.Model]
		if !ok {
			continue
		}
		maxOut := rc.MaxOutputTokens
		if maxOut == 0 || maxOut > h.Descriptor.MaxOutputTokens {
			maxOut = h.Descriptor.MaxOutputTokens
		}
		return token.Cost(rc.EstimatedTokens, maxOut, pricing.InputPer1K, pricing.OutputPer1K)
	}
	return 0
}

// Charge records realized spend for a provider.
func (r *Router) Charge(providerName string, usd float64) {
	r.budget.charge(providerName, usd)
	logging.Budget("Charged $%.4f to %s (today: $%.4f)", usd, providerName, r.budget.spent(providerName))
}

// RecordCall feeds the rolling latency/failure counters.
func (r *Router) RecordCall(providerName string, latency time.Duration, failed bool) {
	r.history.recordCall(providerName, latency, failed)
}

// DailySpend returns today's total accumulated spend in USD.
func (r *Router) DailySpend() float64 {
	return r.budget.totalSpent()
}

// DailyCap returns the aggregate daily cap (sum of per-provider caps).
func (r *Router) DailyCap() float64 {
	_, _, totalCap := r.budget.capFor("")
	return fromMicro(totalCap)
}

// UpdateCaps swaps in new per-provider caps on a config reload.
func (r *Router) UpdateCaps(capsUSD map[string]float64) {
	r.budget.setCaps(capsUSD)
	logging.Budget("Daily caps updated: total $%.2f across %d providers", r.DailyCap(), len(capsUSD))
}

// BudgetSnapshot captures spend and caps for status reporting.
func (r *Router) BudgetSnapshot() BudgetSnapshot {
	return r.budget.snapshot()
}

// RecentDecisions returns up to n route decisions, newest first.
func (r *Router) RecentDecisions(n int) []Decision {
	return r.history.recent(n)
}

// CallCounts returns rolling per-provider call counters.
func (r *Router) CallCounts() map[string]int64 {
	return r.history.callCounts()
}
