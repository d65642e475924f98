// Package relay is the pub/sub core of the operations dashboard backend: a
// channel-addressed broker with per-channel recent history and a
// request/response helper, fanned out to live dashboard connections by the
// fanout package. Transports are pluggable; adapter/redispubsub speaks Redis
// PUBLISH/SUBSCRIBE and adapter/memory is an in-process hub for development.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Broker is the central Facade handling publish/subscribe against a Transport.
// Lifecycle: disconnected -> connecting -> connected -> listening. A first
// publish or subscribe before an explicit Connect succeeds by connecting
// lazily.
type Broker struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	history      *historyStore
	observerPool *ObserverPool
	reqTimeout   time.Duration

	mu         sync.Mutex
	connected  bool
	handlers   map[string][]*handlerEntry
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	observersMu sync.RWMutex
	observers   []Observer

	metrics   *brokerMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type handlerEntry struct {
	fn Handler
}

// brokerMetrics uses lock-free atomics for telemetry on the hot path.
type brokerMetrics struct {
	published       atomic.Uint64
	delivered       atomic.Uint64
	handlerErrors   atomic.Uint64
	decodeErrors    atomic.Uint64
	requestTimeouts atomic.Uint64
	processingNs    atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Broker) Codec() Codec { return b.codec }

// Connect establishes the transport, verifies it and starts the receive loop.
// On failure the broker stays not-connected and the error is returned.
func (b *Broker) Connect(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Broker) connectLocked(ctx context.Context) error {
	if b.connected {
		return nil
	}
	if err := b.transport.Connect(ctx); err != nil {
		b.logger.Error().Err(err).Msg("relay: transport connect failed")
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.loopCancel = cancel
	b.loopDone = done
	go b.receiveLoop(loopCtx, done)
	b.connected = true
	return nil
}

// ensureConnected connects lazily for publish/subscribe paths.
func (b *Broker) ensureConnected(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

// receiveLoop drives transport delivery until cancelled. Cancellation during
// Disconnect is expected and not treated as an error; anything else is logged
// and the loop ends.
func (b *Broker) receiveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := b.transport.Listen(ctx, b.dispatch)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error().Err(err).Msg("relay: receive loop terminated")
	}
}

// dispatch decodes one wire message and fans it out to the channel's handlers.
// A malformed message is logged and dropped; one bad message must not kill the
// loop. Each handler failure is isolated and logged with channel context.
func (b *Broker) dispatch(channel string, payload []byte) {
	var msg Message
	if err := b.codec.Unmarshal(payload, &msg); err != nil {
		b.metrics.decodeErrors.Add(1)
		b.logger.With(xlog.Str("channel", channel)).Warn().Err(err).Msg("relay: dropping malformed message")
		return
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}

	b.mu.Lock()
	entries := b.handlers[channel]
	snapshot := make([]*handlerEntry, len(entries))
	copy(snapshot, entries)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	hctx := InjectAll(context.Background(), b.codec, b.logger, b.clock)

	b.notifyAsync(Event{Type: DeliverStart, Channel: channel, MessageID: msg.ID, Sender: msg.Sender})
	start := b.clock.Now()

	for _, entry := range snapshot {
		b.metrics.delivered.Add(1)
		if err := entry.fn(hctx, &msg); err != nil {
			b.metrics.handlerErrors.Add(1)
			b.logger.With(xlog.Str("channel", channel), xlog.Str("message_id", msg.ID)).
				Warn().Err(err).Msg("relay: handler failed")
		}
	}

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{Type: DeliverDone, Channel: channel, MessageID: msg.ID, Duration: duration})
}

// Publish wraps data in a Message, hands it to the transport for fan-out and
// appends it to the channel's history ring. Returns the generated message id.
// Transport failure is logged with channel context and returned; callers
// depend on knowing whether a broadcast happened.
func (b *Broker) Publish(ctx context.Context, channel string, data map[string]any, sender string) (string, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	if channel == "" {
		return "", ErrInvalidChannel
	}
	if err := b.ensureConnected(ctx); err != nil {
		return "", err
	}
	if sender == "" {
		sender = SenderSystem
	}

	msg := newMessage(channel, data, sender, b.clock.Now())
	payload, err := b.codec.Marshal(msg)
	if err != nil {
		return "", err
	}

	b.metrics.published.Add(1)
	b.notifyAsync(Event{Type: PublishStart, Channel: channel, MessageID: msg.ID, Sender: sender})
	start := b.clock.Now()

	err = b.transport.Publish(ctx, channel, payload)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{Type: PublishDone, Channel: channel, MessageID: msg.ID, Duration: duration, Err: err})

	if err != nil {
		b.logger.With(xlog.Str("channel", channel)).Error().Err(err).Msg("relay: publish failed")
		return "", err
	}

	b.history.append(msg)
	return msg.ID, nil
}

// Subscribe registers a handler for every future message on channel. The
// first handler triggers the transport-level subscribe. Multiple handlers per
// channel are allowed and all are invoked per message, independently.
func (b *Broker) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if channel == "" || h == nil {
		return nil, ErrInvalidSubscription
	}
	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}

	// Panic recovery always wraps innermost for dependability.
	wrapped := Chain(RecoveryMiddleware()(h), b.middlewares...)
	entry := &handlerEntry{fn: wrapped}

	b.mu.Lock()
	first := len(b.handlers[channel]) == 0
	b.handlers[channel] = append(b.handlers[channel], entry)
	b.mu.Unlock()

	if first {
		if err := b.transport.Subscribe(ctx, channel); err != nil {
			b.removeHandler(channel, entry)
			return nil, err
		}
	}

	return &brokerSubscription{broker: b, channel: channel, entry: entry}, nil
}

// Unsubscribe removes every handler for channel. The transport-level
// subscription is dropped along with the channel's handler-list entry.
// Unknown channels are a silent no-op.
func (b *Broker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	_, had := b.handlers[channel]
	delete(b.handlers, channel)
	b.mu.Unlock()

	if !had {
		return nil
	}
	return b.transport.Unsubscribe(ctx, channel)
}

// removeHandler drops one registration; the last removal on a channel
// triggers the transport-level unsubscribe.
func (b *Broker) removeHandler(channel string, entry *handlerEntry) {
	b.mu.Lock()
	entries := b.handlers[channel]
	for i, e := range entries {
		if e == entry {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	last := len(entries) == 0
	if last {
		delete(b.handlers, channel)
	} else {
		b.handlers[channel] = entries
	}
	b.mu.Unlock()

	if last && !b.closed.Load() {
		if err := b.transport.Unsubscribe(context.Background(), channel); err != nil {
			b.logger.With(xlog.Str("channel", channel)).Warn().Err(err).Msg("relay: transport unsubscribe failed")
		}
	}
}

type brokerSubscription struct {
	broker  *Broker
	channel string
	entry   *handlerEntry
	once    sync.Once
}

func (s *brokerSubscription) Close() error {
	s.once.Do(func() {
		s.broker.removeHandler(s.channel, s.entry)
	})
	return nil
}

// History returns up to limit most-recent messages for channel, newest first.
// Unknown channels yield an empty slice, never an error.
func (b *Broker) History(channel string, limit int) []*Message {
	return b.history.recent(channel, limit)
}

// Disconnect cancels the receive loop, awaits its termination and releases
// the transport. Safe to call when never connected, and idempotent.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	cancel := b.loopCancel
	done := b.loopDone
	b.loopCancel = nil
	b.loopDone = nil
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := b.transport.Close(ctx); err != nil {
		b.logger.Error().Err(err).Msg("relay: transport close failed")
		return err
	}
	return nil
}

// Close shuts the broker down for good: no further publishes or
// subscriptions are accepted.
func (b *Broker) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("relay: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if err := b.Disconnect(ctx); err != nil {
			closeErr = err
		}
	})
	return closeErr
}

// Metrics returns a snapshot of broker telemetry.
func (b *Broker) Metrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:           b.metrics.published.Load(),
		Delivered:           b.metrics.delivered.Load(),
		HandlerErrors:       b.metrics.handlerErrors.Load(),
		DecodeErrors:        b.metrics.decodeErrors.Load(),
		RequestTimeouts:     b.metrics.requestTimeouts.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports broker health for liveness/readiness probes.
func (b *Broker) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "broker is closed",
		}
	}

	metrics := b.Metrics()
	status := "healthy"
	if metrics.HandlerErrors > 0 && metrics.Delivered > 0 {
		errorRate := float64(metrics.HandlerErrors) / float64(metrics.Delivered)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// AddObserver registers an observer (thread-safe).
func (b *Broker) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Broker) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events on the observer pool (non-blocking).
func (b *Broker) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of handler and
// publish latency.
func (b *Broker) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
