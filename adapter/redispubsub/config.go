package redispubsub

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config for the Redis pub/sub transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// PingTimeout bounds the connect-time health check.
	PingTimeout time.Duration
	// ReceiveBackoff is the pause after a transient receive error.
	ReceiveBackoff time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:           "127.0.0.1:6379",
		DB:             0,
		PingTimeout:    2 * time.Second,
		ReceiveBackoff: 200 * time.Millisecond,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("config: ping_timeout must be > 0, got %v", c.PingTimeout)
	}
	if c.ReceiveBackoff <= 0 {
		return fmt.Errorf("config: receive_backoff must be > 0, got %v", c.ReceiveBackoff)
	}
	return nil
}

// toMap converts Config into the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"ping_timeout":    c.PingTimeout,
		"receive_backoff": c.ReceiveBackoff,
	}
}

// ConfigFromMap safely converts a generic map into Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	switch v := m["db"].(type) {
	case int:
		c.DB = v
	case int64:
		c.DB = int(v)
	case float64:
		c.DB = int(v)
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v := getDur(m, "ping_timeout"); v > 0 {
		c.PingTimeout = v
	}
	if v := getDur(m, "receive_backoff"); v > 0 {
		c.ReceiveBackoff = v
	}

	return c
}

func getDur(m map[string]any, k string) time.Duration {
	switch v := m[k].(type) {
	case time.Duration:
		return v
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
	case float64:
		return time.Duration(v)
	}
	return 0
}

// FromEnv loads Config from the environment, honoring an optional .env file.
// Recognized variables: RELAY_REDIS_ADDR, RELAY_REDIS_USERNAME,
// RELAY_REDIS_PASSWORD, RELAY_REDIS_DB, RELAY_REDIS_TLS.
func FromEnv() Config {
	_ = godotenv.Load()

	c := Defaults()
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("RELAY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.DB = db
		}
	}
	if v := os.Getenv("RELAY_REDIS_TLS"); v != "" {
		if tls, err := strconv.ParseBool(v); err == nil {
			c.TLS = tls
		}
	}
	return c
}
