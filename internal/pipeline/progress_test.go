package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

func TestEmitter_MonotonicSequence(t *testing.T) {
	e := NewEmitter("sess-1", 8)
	ch, cancel := e.Subscribe()
	defer cancel()

	e.Emit(model.EventTaskDone, model.SessionSummary{})
	e.Emit(model.EventMergeApplied, model.SessionSummary{})
	e.Emit(model.EventStatusChanged, model.SessionSummary{})
	e.Close()

	var seqs []uint64
	for ev := range ch {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestEmitter_NoReplayForLateSubscriber(t *testing.T) {
	e := NewEmitter("sess-1", 8)

	e.Emit(model.EventTaskDone, model.SessionSummary{})
	e.Emit(model.EventTaskDone, model.SessionSummary{})

	ch, cancel := e.Subscribe()
	defer cancel()

	e.Emit(model.EventStatusChanged, model.SessionSummary{})
	e.Close()

	var events []model.ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, model.EventStatusChanged, events[0].Kind)
}

func TestEmitter_SlowSubscriberDropped(t *testing.T) {
	e := NewEmitter("sess-1", 1)
	slow, cancelSlow := e.Subscribe()
	defer cancelSlow()

	// Buffer size one: the second emit overflows and drops the subscriber
	// instead of blocking.
	e.Emit(model.EventTaskDone, model.SessionSummary{})
	e.Emit(model.EventTaskDone, model.SessionSummary{})

	var received []model.ProgressEvent
	for ev := range slow {
		received = append(received, ev)
	}
	assert.Len(t, received, 1)

	// The emitter keeps serving other subscribers.
	fresh, cancelFresh := e.Subscribe()
	defer cancelFresh()
	e.Emit(model.EventStatusChanged, model.SessionSummary{})
	ev := <-fresh
	assert.Equal(t, uint64(3), ev.Seq)
}

func TestEmitter_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	e := NewEmitter("sess-1", 8)
	e.Close()

	ch, cancel := e.Subscribe()
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}
