// Package fanout tracks live duplex dashboard connections and their channel
// interests, delivering broker messages to the right sockets. The transport
// itself (WebSocket handshake, reads, writes) lives outside this package; the
// registry only needs a Conn that can send bytes.
//
// Disconnects can be triggered concurrently by an explicit close, a failed
// broadcast and the transport's own close event, so unknown-id operations
// are silent no-ops.
package fanout

import (
	"context"
	"sync"

	"github.com/trickstertwo/xlog"

	"github.com/helixlabs/relay"
)

// Payload type tags the registry emits on its own behalf.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionConfirmed = "subscription_confirmed"
)

// Conn is one duplex client session's outbound half. A Send error is a
// terminal signal for the connection; the registry never retries.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
}

// Registry tracks connections and channel subscriptions and provides unicast
// and multicast delivery that self-heals around dead connections.
type Registry struct {
	codec  relay.Codec
	logger *xlog.Logger

	mu sync.RWMutex
	// conns and the two subscription maps are mutated together under mu;
	// delivery always iterates snapshots taken under the read lock.
	conns    map[string]Conn
	subs     map[string]map[string]struct{} // client id -> channels
	channels map[string]map[string]struct{} // channel -> client ids
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithCodec overrides the payload codec (default: JSON).
func WithCodec(c relay.Codec) Option {
	return func(r *Registry) { r.codec = c }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		codec:    relay.JSONCodec{},
		logger:   xlog.Default(),
		conns:    make(map[string]Conn),
		subs:     make(map[string]map[string]struct{}),
		channels: make(map[string]map[string]struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Connect registers conn under clientID, replacing and discarding any prior
// registration for that id, and sends the connection handshake payload. The
// caller is responsible for not reusing ids across distinct logical clients.
func (r *Registry) Connect(ctx context.Context, conn Conn, clientID string) {
	r.mu.Lock()
	if _, ok := r.conns[clientID]; ok {
		r.scrubLocked(clientID)
	}
	r.conns[clientID] = conn
	r.subs[clientID] = make(map[string]struct{})
	r.mu.Unlock()

	r.logger.With(xlog.Str("client_id", clientID)).Debug().Msg("fanout: client connected")
	r.SendTo(ctx, clientID, map[string]any{
		"type":      TypeConnectionEstablished,
		"client_id": clientID,
	})
}

// Disconnect removes a connection and every subscription it held. Idempotent:
// unknown ids are a no-op.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	_, known := r.conns[clientID]
	if known {
		r.scrubLocked(clientID)
	}
	r.mu.Unlock()

	if known {
		r.logger.With(xlog.Str("client_id", clientID)).Debug().Msg("fanout: client disconnected")
	}
}

// scrubLocked removes clientID from every channel subscriber set, deleting
// emptied channel entries, then drops the connection and subscription
// entries. Callers hold mu.
func (r *Registry) scrubLocked(clientID string) {
	for channel := range r.subs[clientID] {
		if ids, ok := r.channels[channel]; ok {
			delete(ids, clientID)
			if len(ids) == 0 {
				delete(r.channels, channel)
			}
		}
	}
	delete(r.subs, clientID)
	delete(r.conns, clientID)
}

// Subscribe adds clientID to a channel's subscriber set and confirms with a
// unicast receipt. Unknown client ids are a no-op: the connection must exist
// first.
func (r *Registry) Subscribe(ctx context.Context, clientID, channel string) {
	r.mu.Lock()
	if _, ok := r.conns[clientID]; !ok {
		r.mu.Unlock()
		return
	}
	ids, ok := r.channels[channel]
	if !ok {
		ids = make(map[string]struct{})
		r.channels[channel] = ids
	}
	ids[clientID] = struct{}{}
	r.subs[clientID][channel] = struct{}{}
	r.mu.Unlock()

	r.SendTo(ctx, clientID, map[string]any{
		"type":    TypeSubscriptionConfirmed,
		"channel": channel,
	})
}

// Unsubscribe removes clientID from a channel's subscriber set, deleting the
// channel entry when it empties. Unknown ids and channels are no-ops.
func (r *Registry) Unsubscribe(clientID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[clientID]; !ok {
		return
	}
	if ids, ok := r.channels[channel]; ok {
		delete(ids, clientID)
		if len(ids) == 0 {
			delete(r.channels, channel)
		}
	}
	delete(r.subs[clientID], channel)
}

// SendTo unicasts payload to one client. A missing connection is treated as
// already-disconnected, not an error. A failed write tears the connection
// down through the same path as Disconnect and is never retried.
func (r *Registry) SendTo(ctx context.Context, clientID string, payload any) {
	r.mu.RLock()
	conn, ok := r.conns[clientID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	data, err := r.codec.Marshal(payload)
	if err != nil {
		r.logger.With(xlog.Str("client_id", clientID)).Warn().Err(err).Msg("fanout: payload marshal failed")
		return
	}

	if err := conn.Send(ctx, data); err != nil {
		r.logger.With(xlog.Str("client_id", clientID)).Debug().Err(err).Msg("fanout: send failed, dropping connection")
		r.Disconnect(clientID)
	}
}

// BroadcastToChannel multicasts payload to every client subscribed to
// channel. Send failures are independent: one dead connection never blocks
// delivery to the others. Failed ids are disconnected after the full sweep,
// never while iterating.
func (r *Registry) BroadcastToChannel(ctx context.Context, channel string, payload any) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.channels[channel]))
	for id := range r.channels[channel] {
		if conn, ok := r.conns[id]; ok {
			targets[id] = conn
		}
	}
	r.mu.RUnlock()

	r.sweep(ctx, channel, targets, payload)
}

// BroadcastToAll multicasts payload to every connected client regardless of
// subscriptions, with the same independent-failure contract.
func (r *Registry) BroadcastToAll(ctx context.Context, payload any) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		targets[id] = conn
	}
	r.mu.RUnlock()

	r.sweep(ctx, "", targets, payload)
}

func (r *Registry) sweep(ctx context.Context, channel string, targets map[string]Conn, payload any) {
	if len(targets) == 0 {
		return
	}

	data, err := r.codec.Marshal(payload)
	if err != nil {
		r.logger.With(xlog.Str("channel", channel)).Warn().Err(err).Msg("fanout: payload marshal failed")
		return
	}

	var failed []string
	for id, conn := range targets {
		if err := conn.Send(ctx, data); err != nil {
			r.logger.With(
				xlog.Str("client_id", id),
				xlog.Str("channel", channel),
			).Debug().Err(err).Msg("fanout: send failed during broadcast")
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		r.Disconnect(id)
	}
}

// Count returns the current connection count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ChannelCensus returns the channel -> subscriber-count mapping.
func (r *Registry) ChannelCensus() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	census := make(map[string]int, len(r.channels))
	for channel, ids := range r.channels {
		census[channel] = len(ids)
	}
	return census
}
