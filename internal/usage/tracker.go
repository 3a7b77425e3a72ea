// Package usage records provider consumption per provider, model,
// agent, and local day, with debounced JSON persistence.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
	dirty    bool
	sink     func(Event) // Optional per-event sink (audit trail)
}

// NewTracker creates a tracker persisting under
// {workspace}/.taskforge/usage.json. A corrupt or missing file starts
// the tracker empty rather than failing.
func NewTracker(workspace string) (*Tracker, error) {
	dir := filepath.Join(workspace, ".taskforge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .taskforge dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data: Data{
			Version: "1.0",
			Aggregate: AggregatedStats{
				ByProvider: make(map[string]TokenCounts),
				ByModel:    make(map[string]TokenCounts),
				ByAgent:    make(map[string]TokenCounts),
				ByDay:      make(map[string]TokenCounts),
			},
		},
	}
	_ = t.Load()
	return t, nil
}

// SetSink registers a per-event callback, invoked outside the lock.
func (t *Tracker) SetSink(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = fn
}

// Load reads usage data from disk, tolerating a partial file.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	if t.data.Aggregate.ByProvider == nil {
		t.data.Aggregate.ByProvider = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByAgent == nil {
		t.data.Aggregate.ByAgent = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByDay == nil {
		t.data.Aggregate.ByDay = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage data to disk atomically.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.filePath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Track records one provider call across every aggregation dimension.
func (t *Tracker) Track(providerName, model, agentID string, input, output int, costUSD float64) {
	ev := Event{
		Timestamp:    time.Now(),
		Provider:     providerName,
		Model:        model,
		AgentID:      agentID,
		InputTokens:  input,
		OutputTokens: output,
		CostUSD:      costUSD,
	}

	t.mu.Lock()
	t.data.Aggregate.Total.Add(input, output, costUSD)
	addToMap(t.data.Aggregate.ByProvider, providerName, input, output, costUSD)
	addToMap(t.data.Aggregate.ByModel, providerName+"/"+model, input, output, costUSD)
	addToMap(t.data.Aggregate.ByAgent, agentID, input, output, costUSD)
	addToMap(t.data.Aggregate.ByDay, ev.Timestamp.Format("2006-01-02"), input, output, costUSD)

	// Debounced auto-save
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			t.Save()
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyCounts(stats.ByProvider)
	stats.ByModel = copyCounts(stats.ByModel)
	stats.ByAgent = copyCounts(stats.ByAgent)
	stats.ByDay = copyCounts(stats.ByDay)
	return stats
}

// SpentToday returns the cost recorded for the local date.
func (t *Tracker) SpentToday() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.ByDay[time.Now().Format("2006-01-02")].Cost
}

func copyCounts(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int, cost float64) {
	entry := m[key]
	entry.Add(input, output, cost)
	m[key] = entry
}
