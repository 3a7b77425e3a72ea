package usage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrack_AggregatesEveryDimension(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)

	tr.Track("openai", "gpt-4o", "implementer", 100, 50, 0.02)
	tr.Track("openai", "gpt-4o-mini", "implementer", 200, 20, 0.001)
	tr.Track("anthropic", "haiku", "validator", 50, 10, 0.005)

	stats := tr.Stats()
	assert.Equal(t, int64(350), stats.Total.Input)
	assert.Equal(t, int64(80), stats.Total.Output)
	assert.Equal(t, int64(430), stats.Total.Total)
	assert.Equal(t, int64(3), stats.Total.Calls)
	assert.InDelta(t, 0.026, stats.Total.Cost, 1e-9)

	assert.Equal(t, int64(2), stats.ByProvider["openai"].Calls)
	assert.Equal(t, int64(1), stats.ByModel["openai/gpt-4o"].Calls)
	assert.Equal(t, int64(2), stats.ByAgent["implementer"].Calls)

	today := time.Now().Format("2006-01-02")
	assert.Equal(t, int64(3), stats.ByDay[today].Calls)
	assert.InDelta(t, 0.026, tr.SpentToday(), 1e-9)
}

func TestTracker_PersistsAcrossRestart(t *testing.T) {
	ws := t.TempDir()
	tr, err := NewTracker(ws)
	require.NoError(t, err)
	tr.Track("openai", "gpt-4o", "designer", 10, 5, 0.001)
	require.NoError(t, tr.Save())

	reopened, err := NewTracker(ws)
	require.NoError(t, err)
	stats := reopened.Stats()
	assert.Equal(t, int64(1), stats.Total.Calls)
	assert.Equal(t, int64(10), stats.ByAgent["designer"].Input)
}

func TestTracker_CorruptFileStartsEmpty(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".taskforge")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usage.json"), []byte("{broken"), 0644))

	tr, err := NewTracker(ws)
	require.NoError(t, err, "a corrupt file must not prevent startup")
	assert.Equal(t, int64(0), tr.Stats().Total.Calls)
}

func TestTracker_SinkReceivesEvents(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)

	var got []Event
	tr.SetSink(func(e Event) { got = append(got, e) })
	tr.Track("openai", "gpt-4o", "validator", 30, 15, 0.003)

	require.Len(t, got, 1)
	assert.Equal(t, "openai", got[0].Provider)
	assert.Equal(t, "validator", got[0].AgentID)
	assert.Equal(t, 30, got[0].InputTokens)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestTracker_StatsIsACopy(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	tr.Track("openai", "gpt-4o", "designer", 10, 5, 0.001)

	stats := tr.Stats()
	stats.ByProvider["openai"] = TokenCounts{}
	assert.Equal(t, int64(1), tr.Stats().ByProvider["openai"].Calls)
}

func TestTrack_ConcurrentCallsSum(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Track("openai", "gpt-4o", "implementer", 1, 1, 0.0001)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), tr.Stats().Total.Calls)
}
