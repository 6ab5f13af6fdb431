package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan []byte) map[string]any {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "channel closed")
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		return doc
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestSubscribeDeliversConnected(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()
	doc := recv(t, ch)
	assert.Equal(t, TypeConnected, doc["type"])
	assert.NotEmpty(t, doc["timestamp"])
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()
	recv(t, ch) // connected

	bus.PublishJobStatus("job-1", "running", "")
	bus.PublishJobStatus("job-1", "completed", "node-a")
	bus.Publish(TypeDiagnosticResults, nil)

	first := recv(t, ch)
	assert.Equal(t, TypeJobStatusChange, first["type"])
	assert.Equal(t, "job-1", first["job_id"])
	assert.Equal(t, "running", first["status"])
	_, hasNode := first["node_name"]
	assert.False(t, hasNode)

	second := recv(t, ch)
	assert.Equal(t, "completed", second["status"])
	assert.Equal(t, "node-a", second["node_name"])

	third := recv(t, ch)
	assert.Equal(t, TypeDiagnosticResults, third["type"])
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()
	// Never drain: fill the buffer (the connected event took one slot).
	for i := 0; i < subscriberBuffer+4; i++ {
		bus.Publish(TypeJobStatusChange, map[string]any{"seq": i})
	}
	assert.Equal(t, 0, bus.SubscriberCount())

	// The channel must be closed so a blocked consumer unblocks.
	drained := 0
	for range ch {
		drained++
	}
	assert.LessOrEqual(t, drained, subscriberBuffer)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())
	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Double unsubscribe is harmless.
	bus.Unsubscribe(ch)

	for range ch {
	}
}

func TestCloseDisconnectsAll(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	bus.Close()

	for range a {
	}
	for range b {
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}
