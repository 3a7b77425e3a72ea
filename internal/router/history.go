package router

import (
	"sync"
	"time"
)

// providerStats keeps rolling call counters per provider.
type providerStats struct {
	Calls      int64
	Failures   int64
	totalMs    int64
	latencyObs int64
}

// avgLatencyMs returns the rolling mean call latency, or 0 when no call
// has completed yet.
func (s *providerStats) avgLatencyMs() int64 {
	if s.latencyObs == 0 {
		return 0
	}
	return s.totalMs / s.latencyObs
}

// history holds the fixed-capacity route-decision ring buffer and
// per-provider rolling counters.
type history struct {
	mu        sync.Mutex
	decisions []Decision
	next      int
	filled    bool
	stats     map[string]*providerStats
}

func newHistory(capacity int) *history {
	return &history{
		decisions: make([]Decision, capacity),
		stats:     make(map[string]*providerStats),
	}
}

// recordDecision appends to the ring buffer, overwriting the oldest
// entry when full.
func (h *history) recordDecision(d Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decisions[h.next] = d
	h.next++
	if h.next == len(h.decisions) {
		h.next = 0
		h.filled = true
	}
}

// recent returns up to n decisions, newest first.
func (h *history) recent(n int) []Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.filled {
		size = len(h.decisions)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Decision, 0, n)
	for i := 0; i < n; i++ {
		idx := h.next - 1 - i
		if idx < 0 {
			idx += len(h.decisions)
		}
		out = append(out, h.decisions[idx])
	}
	return out
}

// recordCall updates rolling per-provider counters after an invocation.
func (h *history) recordCall(provider string, latency time.Duration, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stats[provider]
	if !ok {
		s = &providerStats{}
		h.stats[provider] = s
	}
	s.Calls++
	if failed {
		s.Failures++
		return
	}
	s.totalMs += latency.Milliseconds()
	s.latencyObs++
}

// latencyMs returns the rolling mean latency for a provider.
func (h *history) latencyMs(provider string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.stats[provider]; ok {
		return s.avgLatencyMs()
	}
	return 0
}

// callCounts returns a copy of per-provider call counters.
func (h *history) callCounts() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.stats))
	for name, s := range h.stats {
		out[name] = s.Calls
	}
	return out
}
