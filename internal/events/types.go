// Package events provides the pub/sub bus for apply-progress reporting.
// Long-running driver operations emit discrete events here; the API layer
// fans them out to WebSocket subscribers.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Segment lifecycle events, emitted by the reconciler and drivers.
	EventSegmentApplying   EventType = "segment.applying"
	EventSegmentStep       EventType = "segment.step"
	EventSegmentApplied    EventType = "segment.applied"
	EventSegmentFailed     EventType = "segment.failed"
	EventSegmentRolledBack EventType = "segment.rolledback"
	EventSegmentRemoved    EventType = "segment.removed"
	EventSegmentDegraded   EventType = "segment.degraded"

	// DHCP lease events from hotspot scopes.
	EventLeaseIssued  EventType = "lease.issued"
	EventLeaseExpired EventType = "lease.expired"
)

// Event is the core message passed through the bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
}

// SegmentData is the payload for segment.* events.
type SegmentData struct {
	Operation string `json:"operation"` // correlates all events of one apply/teardown
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Step      string `json:"step,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LeaseData is the payload for lease.* events.
type LeaseData struct {
	Interface string `json:"interface"`
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	Hostname  string `json:"hostname,omitempty"`
}
