package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/pipeline"
)

func TestEmitter_FansOut(t *testing.T) {
	e := &Emitter{}
	a := e.Subscribe()
	b := e.Subscribe()

	e.Emit(pipeline.Event{Type: pipeline.EventStarted, PipelineID: "pipe-1"})

	assert.Equal(t, "pipe-1", (<-a).PipelineID)
	assert.Equal(t, "pipe-1", (<-b).PipelineID)
}

func TestEmitter_SlowSubscriberLosesEventsOnly(t *testing.T) {
	e := &Emitter{}
	slow := e.Subscribe()

	// Overrun the 64-slot buffer; Emit must never block.
	for i := 0; i < 100; i++ {
		e.Emit(pipeline.Event{Type: pipeline.EventStageSucceeded})
	}

	e.Close()
	var got int
	for range slow {
		got++
	}
	assert.Equal(t, 64, got, "overflow is dropped, not queued")
}

func TestEmitter_CloseEndsSubscription(t *testing.T) {
	e := &Emitter{}
	ch := e.Subscribe()
	e.Close()

	_, open := <-ch
	require.False(t, open)

	// Emitting after close must not panic.
	e.Emit(pipeline.Event{Type: pipeline.EventCompleted})
}
