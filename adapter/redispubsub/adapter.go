package redispubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helixlabs/relay"
)

const TransportName = "redis-pubsub"

func init() {
	if err := relay.RegisterTransport(TransportName, func(cfg map[string]any) (relay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("relay: failed to register transport %q: %w", TransportName, err))
	}
}

// Transport implements relay.Transport over Redis PUBLISH/SUBSCRIBE with
// JSON message bodies. One Transport owns one SUBSCRIBE connection whose
// channel set changes dynamically as the broker gains and loses subscribers.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	client *redis.Client
	pubsub *redis.PubSub

	closeOnce sync.Once
	closed    chan struct{}
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport creates an unconnected transport; Connect performs the I/O.
func NewTransport(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		closed: make(chan struct{}),
	}
}

// Connect dials Redis and verifies the connection with a PING. On
// verification failure the client is released so the transport never sits
// half-connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}
	if err := t.cfg.Validate(); err != nil {
		return err
	}

	opts := &redis.Options{
		Addr:     t.cfg.Addr,
		Username: t.cfg.Username,
		Password: t.cfg.Password,
		DB:       t.cfg.DB,
	}
	if t.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    t.cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(ctx, client, t.cfg.PingTimeout); err != nil {
		_ = client.Close()
		return err
	}

	t.client = client
	// Subscribe with no channels: the connection is established and channels
	// are added as the broker's first subscribers arrive.
	t.pubsub = client.Subscribe(ctx)
	return nil
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	client := t.conn()
	if client == nil {
		return errors.New("redis transport not connected")
	}
	return client.Publish(ctx, channel, payload).Err()
}

func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	ps := t.sub()
	if ps == nil {
		return errors.New("redis transport not connected")
	}
	return ps.Subscribe(ctx, channel)
}

func (t *Transport) Unsubscribe(ctx context.Context, channel string) error {
	ps := t.sub()
	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(ctx, channel)
}

// Listen drains the SUBSCRIBE connection until ctx is cancelled. Transient
// receive errors back off briefly and continue; the loop only ends on
// cancellation or transport close.
func (t *Transport) Listen(ctx context.Context, deliver func(channel string, payload []byte)) error {
	ps := t.sub()
	if ps == nil {
		return errors.New("redis transport not connected")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}

		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-t.closed:
				return nil
			case <-time.After(t.cfg.ReceiveBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		deliver(msg.Channel, []byte(msg.Payload))
	}
}

func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		ps := t.pubsub
		client := t.client
		t.pubsub = nil
		t.client = nil
		t.mu.Unlock()

		if ps != nil {
			err = ps.Close()
		}
		if client != nil {
			if cerr := client.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (t *Transport) conn() *redis.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) sub() *redis.PubSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pubsub
}

func ping(ctx context.Context, c *redis.Client, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.Ping(pctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
