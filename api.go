package relay

import (
	"context"
	"time"
)

// Handler processes a single delivered message. A returned error is logged
// with channel context and isolated: it never suppresses delivery to sibling
// handlers on the same channel and never propagates to the publisher.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active handler registration. Close removes
// exactly this handler; the channel's transport-level subscription is dropped
// when the last handler goes away.
type Subscription interface {
	Close() error
}

// Observer receives broker lifecycle events. Implementations should be
// non-blocking; dispatch happens on the observer pool.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the complete broker surface the dashboard backend programs against.
type API interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, channel string, data map[string]any, sender string) (string, error)
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Unsubscribe(ctx context.Context, channel string) error
	History(channel string, limit int) []*Message
	Request(ctx context.Context, channel string, data map[string]any, sender string, timeout time.Duration) (*Message, error)
	Respond(ctx context.Context, req *Message, data map[string]any, sender string) (string, error)
	Broadcast(ctx context.Context, data map[string]any, sender string) (string, error)
	SendToAgent(ctx context.Context, agentID string, data map[string]any, sender string) (string, error)
	SendToDepartment(ctx context.Context, department string, data map[string]any, sender string) (string, error)
	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Close(ctx context.Context) error
}

var _ API = (*Broker)(nil)
var _ HealthChecker = (*Broker)(nil)
