package redispubsub

import (
	"fmt"
	"time"

	"github.com/helixlabs/relay"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the relay.Broker construction when calling Use.
type Option func(*relay.BrokerBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *relay.BrokerBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *relay.BrokerBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *relay.BrokerBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...relay.Middleware) Option {
	return func(b *relay.BrokerBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...relay.Observer) Option {
	return func(b *relay.BrokerBuilder) { b.WithObserver(obs...) }
}

// WithHistoryLimit caps per-channel retained messages.
func WithHistoryLimit(n int) Option {
	return func(b *relay.BrokerBuilder) { b.WithHistoryLimit(n) }
}

// WithHistoryTTL sets the channel history retention window.
func WithHistoryTTL(d time.Duration) Option {
	return func(b *relay.BrokerBuilder) { b.WithHistoryTTL(d) }
}

// WithRequestTimeout sets the default Request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *relay.BrokerBuilder) { b.WithRequestTimeout(d) }
}

// Use builds a Broker on the Redis pub/sub transport. It fails fast by
// panicking if construction fails (the transport must be configurable at
// startup); the connection itself is established by Connect or the first
// publish. Nothing global is installed: the caller owns the instance.
func Use(cfg Config, opts ...Option) *relay.Broker {
	bb := relay.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	broker, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redispubsub.Use: %w", err))
	}
	return broker
}
