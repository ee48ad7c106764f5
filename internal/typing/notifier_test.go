package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
	"messaging-service/internal/realtime"
)

func collectTypingEvents(t *testing.T, sub realtime.Subscription, wait time.Duration) []models.TypingEvent {
	t.Helper()
	var out []models.TypingEvent
	deadline := time.After(wait)
	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return out
			}
			var payload models.TypingEvent
			require.NoError(t, event.Decode(&payload))
			out = append(out, payload)
		case <-deadline:
			return out
		}
	}
}

func TestNotifierThrottlesActiveSignals(t *testing.T) {
	bus := realtime.NewMemoryBus()
	sub, err := bus.Subscribe(realtime.TypingTopic(7))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := NewNotifier(bus, 7, 1, 500*time.Millisecond, time.Minute)
	defer n.Stop()

	for i := 0; i < 5; i++ {
		n.InputChanged()
	}

	events := collectTypingEvents(t, sub, 100*time.Millisecond)
	require.Len(t, events, 1, "a burst of keystrokes broadcasts one active signal")
	assert.True(t, events[0].Active)
	assert.Equal(t, 7, events[0].ConversationID)
	assert.Equal(t, 1, events[0].UserID)
}

func TestNotifierBroadcastsStoppedAfterIdle(t *testing.T) {
	bus := realtime.NewMemoryBus()
	sub, err := bus.Subscribe(realtime.TypingTopic(7))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := NewNotifier(bus, 7, 1, 50*time.Millisecond, 100*time.Millisecond)
	defer n.Stop()

	n.InputChanged()

	events := collectTypingEvents(t, sub, 400*time.Millisecond)
	require.Len(t, events, 2)
	assert.True(t, events[0].Active)
	assert.False(t, events[1].Active, "going idle broadcasts an explicit stopped signal")
}

func TestNotifierKeystrokesPostponeIdle(t *testing.T) {
	bus := realtime.NewMemoryBus()
	sub, err := bus.Subscribe(realtime.TypingTopic(7))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := NewNotifier(bus, 7, 1, time.Minute, 150*time.Millisecond)
	defer n.Stop()

	n.InputChanged()
	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		n.InputChanged()
	}

	events := collectTypingEvents(t, sub, 50*time.Millisecond)
	require.Len(t, events, 1, "continuous typing keeps the signal active without rebroadcasts")
	assert.True(t, events[0].Active)
}

func TestNotifierStopIsIdempotent(t *testing.T) {
	bus := realtime.NewMemoryBus()
	sub, err := bus.Subscribe(realtime.TypingTopic(7))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := NewNotifier(bus, 7, 1, 50*time.Millisecond, time.Minute)

	n.InputChanged()
	n.Stop()
	n.Stop()
	n.InputChanged()

	events := collectTypingEvents(t, sub, 100*time.Millisecond)
	require.Len(t, events, 2, "after Stop no further signals are broadcast")
	assert.True(t, events[0].Active)
	assert.False(t, events[1].Active)
}

func TestNotifierStopWithoutTypingIsSilent(t *testing.T) {
	bus := realtime.NewMemoryBus()
	sub, err := bus.Subscribe(realtime.TypingTopic(7))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	n := NewNotifier(bus, 7, 1, 50*time.Millisecond, time.Minute)
	n.Stop()

	events := collectTypingEvents(t, sub, 100*time.Millisecond)
	assert.Empty(t, events, "stopping an idle notifier broadcasts nothing")
}
