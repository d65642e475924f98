package relay

import (
	"time"

	"github.com/google/uuid"
)

// SenderSystem is the sender id used when a publisher doesn't identify itself.
const SenderSystem = "system"

// Message is the envelope traveling the bus. Data is an open payload the
// broker never inspects beyond the "type" and "correlation_id" keys.
type Message struct {
	// ID is unique across the process lifetime, assigned at publish.
	ID string `json:"id"`
	// Channel is the destination topic, hierarchical by convention
	// (agent.<id>, department.<name>, broadcast.all).
	Channel string `json:"channel"`
	// Type tags the payload semantics; consumers switch on it.
	Type string `json:"type"`
	// Sender identifies the publisher (an agent id, or "system").
	Sender string `json:"sender"`
	// Data is the payload, opaque to the broker.
	Data map[string]any `json:"data"`
	// Timestamp is set once at publish, never mutated.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID ties a response message to an earlier request.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// newMessage builds an envelope for a publish call. Type and correlation id
// are lifted out of data when present so consumers can route on the envelope
// without decoding the payload.
func newMessage(channel string, data map[string]any, sender string, now time.Time) *Message {
	msg := &Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Type:      "generic",
		Sender:    sender,
		Data:      data,
		Timestamp: now,
	}
	if t, ok := data["type"].(string); ok && t != "" {
		msg.Type = t
	}
	if cid, ok := data["correlation_id"].(string); ok {
		msg.CorrelationID = cid
	}
	return msg
}
