package fanout

import (
	"context"
	"sync"

	"github.com/helixlabs/relay"
)

// Forwarder bridges a broker to a registry: for each routed channel it holds
// a broker subscription whose handler broadcasts every delivered message to
// the registry subscribers of that same channel name. The broker and registry
// share no state; this handler is their only coupling.
type Forwarder struct {
	broker   *relay.Broker
	registry *Registry

	mu   sync.Mutex
	subs map[string]relay.Subscription
}

// NewForwarder wires broker deliveries into registry fan-out.
func NewForwarder(broker *relay.Broker, registry *Registry) *Forwarder {
	return &Forwarder{
		broker:   broker,
		registry: registry,
		subs:     make(map[string]relay.Subscription),
	}
}

// Route starts forwarding a channel. Routing an already-routed channel is a
// no-op.
func (f *Forwarder) Route(ctx context.Context, channel string) error {
	f.mu.Lock()
	if _, ok := f.subs[channel]; ok {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	sub, err := f.broker.Subscribe(ctx, channel, func(ctx context.Context, msg *relay.Message) error {
		f.registry.BroadcastToChannel(ctx, msg.Channel, msg)
		return nil
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.subs[channel] = sub
	f.mu.Unlock()
	return nil
}

// Unroute stops forwarding a channel. Unknown channels are a no-op.
func (f *Forwarder) Unroute(channel string) error {
	f.mu.Lock()
	sub, ok := f.subs[channel]
	delete(f.subs, channel)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Close()
}

// Close drops every route.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]relay.Subscription)
	f.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
