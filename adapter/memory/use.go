package memory

import (
	"fmt"
	"time"

	"github.com/helixlabs/relay"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Broker on an in-memory transport. The broker is returned to
// the caller for explicit wiring; nothing global is installed.
//
// Example:
//
//	broker := memory.Use(memory.Config{BufferSize: 4096},
//	    memory.WithLogger(logger),
//	    memory.WithHistoryLimit(500),
//	)
func Use(cfg Config, opts ...Option) *relay.Broker {
	bb := relay.NewBrokerBuilder().
		WithTransportInstance(NewTransport(cfg))

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	broker, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return broker
}

// Option configures the relay.Broker when calling Use.
type Option func(*relay.BrokerBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *relay.BrokerBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *relay.BrokerBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *relay.BrokerBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
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

// WithObserverPool sizes the async observer dispatch pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *relay.BrokerBuilder) { b.WithObserverPool(workers, bufferSize) }
}
