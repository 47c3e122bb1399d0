package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub is the central event bus. It provides pub/sub semantics with typed
// events and non-blocking fan-out: a slow subscriber drops events rather
// than stalling an apply operation.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events.
	global []chan Event

	// Counters are atomic; Publish holds only the read lock, so
	// concurrent publishers would otherwise race on them.
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[EventType][]chan Event),
	}
}

// Publish sends an event to all subscribers of that event type.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events of the specified types, or
// all events if none are given. The caller must drain the channel.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes a channel from all subscriptions. The channel is not
// closed.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// EmitSegment publishes a segment lifecycle event.
func (h *Hub) EmitSegment(t EventType, op, kind, key, step string, err error) {
	data := SegmentData{Operation: op, Kind: kind, Key: key, Step: step}
	if err != nil {
		data.Error = err.Error()
	}
	h.Publish(Event{Type: t, Source: "engine", Data: data})
}

// EmitLease publishes a DHCP lease event from a hotspot scope.
func (h *Hub) EmitLease(t EventType, iface, mac, ip, hostname string) {
	h.Publish(Event{
		Type:   t,
		Source: "dhcp",
		Data:   LeaseData{Interface: iface, MAC: mac, IP: ip, Hostname: hostname},
	})
}
