package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecam/internal/detection"
)

func TestEventBusHandlersInOrder(t *testing.T) {
	bus := NewEventBus()
	var seen []uint64
	unsubscribe := bus.Subscribe(EventHandlerFunc(func(e *DetectionEvent) {
		seen = append(seen, e.FrameSeq)
	}))

	for seq := uint64(1); seq <= 3; seq++ {
		bus.Publish(&DetectionEvent{FrameSeq: seq})
	}
	bus.Publish(nil)
	assert.Equal(t, []uint64{1, 2, 3}, seen)

	unsubscribe()
	bus.Publish(&DetectionEvent{FrameSeq: 4})
	assert.Len(t, seen, 3)
	assert.Zero(t, bus.SubscriberCount())
}

func TestEventBusChannelDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.SubscribeChannel(1)

	bus.Publish(&DetectionEvent{FrameSeq: 1})
	bus.Publish(&DetectionEvent{FrameSeq: 2})

	got := <-ch
	assert.Equal(t, uint64(1), got.FrameSeq)

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	// second unsubscribe is harmless
	unsubscribe()
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	ch, _ := bus.SubscribeChannel(0)
	bus.Subscribe(EventHandlerFunc(func(*DetectionEvent) {}))
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.SubscriberCount())
}

func TestNewDetectionEvent(t *testing.T) {
	batch := detection.Batch{{Class: "car"}, {Class: "car"}, {Class: "bus"}}
	e := NewDetectionEvent("s1", 0, "yolov8n.pt", 4, 640, 480, batch, 12500*time.Microsecond)

	assert.Equal(t, map[string]int{"car": 2, "bus": 1}, e.ClassCounts)
	assert.InDelta(t, 12.5, e.InferenceMs, 1e-9)

	empty := NewDetectionEvent("s1", 0, "m", 1, 1, 1, nil, 0)
	assert.NotNil(t, empty.Detections)
	assert.Empty(t, empty.ClassCounts)
}
