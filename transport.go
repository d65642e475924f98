package relay

import (
	"context"
	"errors"
	"sync"
)

// Transport is the Strategy interface for the underlying pub/sub fabric.
// One Transport instance backs one Broker: Subscribe/Unsubscribe manage the
// connection-level channel set, Listen drives delivery until cancelled.
type Transport interface {
	// Connect establishes and verifies the underlying connection.
	// It must not leave the transport half-connected on failure.
	Connect(ctx context.Context) error
	// Publish sends an encoded message body to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe adds a channel to the connection's subscription set.
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe removes a channel from the connection's subscription set.
	Unsubscribe(ctx context.Context, channel string) error
	// Listen blocks delivering incoming messages to deliver until ctx is
	// cancelled. Returns ctx.Err() on cancellation.
	Listen(ctx context.Context, deliver func(channel string, payload []byte)) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
