package telemetry

import (
	"sync"
	"time"
)

// Well-known event topics.
const (
	TopicClusters     = "clusters"
	TopicPortForwards = "portforwards"
)

// Event is a notification pushed to connected UIs over the events endpoint.
type Event struct {
	Topic  string    `json:"topic"`
	Kind   string    `json:"kind"`           // e.g. "added", "removed", "started", "stopped", "failed"
	Name   string    `json:"name"`           // cluster name, forward ID, ...
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Hub manages active event streams for connected UI clients.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event // topic -> list of client channels
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe adds a new UI client to a topic stream.
func (h *Hub) Subscribe(topic string) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16) // Buffer to prevent slow clients from blocking publishers
	h.subscribers[topic] = append(h.subscribers[topic], ch)
	return ch
}

// Unsubscribe removes a client channel.
func (h *Hub) Unsubscribe(topic string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.subscribers[topic]) == 0 {
		delete(h.subscribers, topic)
	}
}

// Broadcast sends an event to all listeners of a topic.
func (h *Hub) Broadcast(topic string, ev Event) {
	ev.Topic = topic
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if subs, ok := h.subscribers[topic]; ok {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default: // Drop event if buffer is full; clients resync on reconnect
			}
		}
	}
}
