package relay

import (
	"time"
)

// EventType enumerates internal lifecycle events for the Observer pattern.
type EventType string

const (
	PublishStart   EventType = "publish_start"
	PublishDone    EventType = "publish_done"
	DeliverStart   EventType = "deliver_start"
	DeliverDone    EventType = "deliver_done"
	RequestExpired EventType = "request_expired"
	Error          EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Channel   string
	MessageID string
	Sender    string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// Metrics defines observable telemetry for the broker.
type Metrics struct {
	Published           uint64
	Delivered           uint64
	HandlerErrors       uint64
	DecodeErrors        uint64
	RequestTimeouts     uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates broker health for liveness/readiness probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
