// Package memory provides an in-process hub transport for development and
// tests. Messages published by any member transport are fanned out to every
// member subscribed to the channel, the publisher included, preserving
// per-channel FIFO order per member.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/helixlabs/relay"
)

const TransportName = "memory"

func init() {
	if err := relay.RegisterTransport(TransportName, func(cfg map[string]any) (relay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("relay/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-member inbound queue size (default: 1024).
	BufferSize int
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	size := 1024
	switch v := cfg["buffer_size"].(type) {
	case int:
		size = v
	case int64:
		size = int(v)
	case float64:
		size = int(v)
	}
	if size < 1 {
		size = 1024
	}
	return Config{BufferSize: size}
}

// Hub connects several transports in one process. Two brokers attached to
// the same hub see each other's messages, mirroring two backend processes on
// one Redis.
type Hub struct {
	mu      sync.RWMutex
	members map[*Transport]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[*Transport]struct{})}
}

// Transport creates a member transport attached to this hub.
func (h *Hub) Transport(cfg Config) *Transport {
	t := newTransport(cfg, h)
	h.mu.Lock()
	h.members[t] = struct{}{}
	h.mu.Unlock()
	return t
}

func (h *Hub) detach(t *Transport) {
	h.mu.Lock()
	delete(h.members, t)
	h.mu.Unlock()
}

func (h *Hub) deliver(ctx context.Context, channel string, payload []byte) error {
	h.mu.RLock()
	members := make([]*Transport, 0, len(h.members))
	for t := range h.members {
		members = append(members, t)
	}
	h.mu.RUnlock()

	for _, t := range members {
		if err := t.enqueue(ctx, channel, payload); err != nil {
			return err
		}
	}
	return nil
}

type envelope struct {
	channel string
	payload []byte
}

// Transport implements relay.Transport against a Hub.
type Transport struct {
	cfg Config
	hub *Hub

	mu       sync.RWMutex
	channels map[string]struct{}

	queue  chan envelope
	done   chan struct{}
	closed atomic.Bool
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport creates a standalone transport on a private hub. Local
// subscribers still receive the transport's own publishes (loopback), which
// is all a single-process deployment needs.
func NewTransport(cfg Config) *Transport {
	return NewHub().Transport(cfg)
}

func newTransport(cfg Config, hub *Hub) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Transport{
		cfg:      cfg,
		hub:      hub,
		channels: make(map[string]struct{}),
		queue:    make(chan envelope, cfg.BufferSize),
		done:     make(chan struct{}),
	}
}

func (t *Transport) Connect(_ context.Context) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	return t.hub.deliver(ctx, channel, payload)
}

func (t *Transport) enqueue(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	_, subscribed := t.channels[channel]
	t.mu.RUnlock()
	if !subscribed {
		return nil
	}

	// Block rather than drop when the queue is full to preserve ordering.
	select {
	case t.queue <- envelope{channel: channel, payload: payload}:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Subscribe(_ context.Context, channel string) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	t.mu.Lock()
	t.channels[channel] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	delete(t.channels, channel)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Listen(ctx context.Context, deliver func(channel string, payload []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case env := <-t.queue:
			deliver(env.channel, env.payload)
		}
	}
}

func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.hub.detach(t)
	return nil
}
