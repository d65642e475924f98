package redispubsub

// Package redispubsub provides a Redis PUBLISH/SUBSCRIBE adapter for relay.
//
// Transport name: "redis-pubsub"
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username / password: credentials (optional)
// - db: database index (default 0)
// - tls: enable TLS (default false)
// - ping_timeout: connect-time health check bound (default 2s)
// - receive_backoff: pause after a transient receive error (default 200ms)
//
// Delivery is the native Redis channel model: at-most-once, fan-out to every
// currently subscribed connection, no replay. Retroactive reads come from the
// broker's own per-channel history, not from Redis.
//
// Example builder usage:
//
//  broker, _ := relay.NewBrokerBuilder().
//      WithTransport(redispubsub.TransportName, map[string]any{
//          "addr":         "localhost:6379",
//          "ping_timeout": "2s",
//      }).
//      Build()
