// Package events is the in-process fan-out that feeds subscribed UI streams.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event types published on the bus
const (
	TypeConnected         = "connected"
	TypeHeartbeat         = "heartbeat"
	TypeJobStatusChange   = "job_status_change"
	TypeDiagnosticResults = "diagnostic_results_updated"
)

const (
	heartbeatInterval = 30 * time.Second
	subscriberBuffer  = 16
)

// Bus broadcasts serialized event envelopes to any number of subscriber
// channels. A subscriber that cannot keep up is dropped rather than allowed
// to stall the publisher.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	lastEvent   time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a bus and starts its heartbeat loop.
func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[chan []byte]struct{}),
		lastEvent:   time.Now(),
		stop:        make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Close stops the heartbeat loop and disconnects every subscriber.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// Subscribe registers a new stream. The first delivered envelope is the
// "connected" event. The caller must drain the channel and call Unsubscribe
// when done.
func (b *Bus) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	ch <- envelope(TypeConnected, nil)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// SubscriberCount reports the size of the active set.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Publish enqueues an envelope on every subscriber in publish order. A full
// subscriber queue means the consumer is gone or stuck; it is removed.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	data := envelope(eventType, payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastEvent = time.Now()
	for ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			log.Printf("[events] dropping slow subscriber")
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

// PublishJobStatus is the job_status_change convenience form. nodeName may
// be empty for job-level transitions.
func (b *Bus) PublishJobStatus(jobID, status, nodeName string) {
	payload := map[string]any{"job_id": jobID, "status": status}
	if nodeName != "" {
		payload["node_name"] = nodeName
	}
	b.Publish(TypeJobStatusChange, payload)
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if time.Since(b.lastEvent) >= heartbeatInterval {
				data := envelope(TypeHeartbeat, nil)
				for ch := range b.subscribers {
					select {
					case ch <- data:
					default:
					}
				}
				b.lastEvent = time.Now()
			}
			b.mu.Unlock()
		}
	}
}

func envelope(eventType string, payload map[string]any) []byte {
	doc := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		log.Printf("[events] marshal error: %v", err)
		return []byte(`{"type":"error"}`)
	}
	return data
}
