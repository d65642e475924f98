package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptConn records sends and can be told to fail.
type scriptConn struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (c *scriptConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection reset")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *scriptConn) payloads(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

// ofType filters recorded payloads by their type tag, so assertions aren't
// coupled to the handshake and confirmation receipts.
func ofType(payloads []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, p := range payloads {
		if p["type"] == typ {
			out = append(out, p)
		}
	}
	return out
}

func TestConnect_SendsHandshake(t *testing.T) {
	r := New()
	conn := &scriptConn{}
	r.Connect(context.Background(), conn, "c1")

	assert.Equal(t, 1, r.Count())
	got := ofType(conn.payloads(t), TypeConnectionEstablished)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0]["client_id"])
}

func TestConnect_ReplacesPriorRegistration(t *testing.T) {
	ctx := context.Background()
	r := New()

	old := &scriptConn{}
	r.Connect(ctx, old, "c1")
	r.Subscribe(ctx, "c1", "alerts")

	// Reconnect under the same id: the old registration and its
	// subscriptions are discarded.
	fresh := &scriptConn{}
	r.Connect(ctx, fresh, "c1")

	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.ChannelCensus())

	r.BroadcastToChannel(ctx, "alerts", map[string]any{"type": "x"})
	assert.Empty(t, ofType(fresh.payloads(t), "x"))
}

func TestSubscribe_ConfirmationReceipt(t *testing.T) {
	ctx := context.Background()
	r := New()
	conn := &scriptConn{}
	r.Connect(ctx, conn, "c1")

	r.Subscribe(ctx, "c1", "alerts")

	got := ofType(conn.payloads(t), TypeSubscriptionConfirmed)
	require.Len(t, got, 1)
	assert.Equal(t, "alerts", got[0]["channel"])
	assert.Equal(t, map[string]int{"alerts": 1}, r.ChannelCensus())
}

func TestSubscribe_UnknownClientIsNoOp(t *testing.T) {
	r := New()
	r.Subscribe(context.Background(), "ghost", "alerts")
	assert.Empty(t, r.ChannelCensus())
}

// After disconnect, the id appears in zero channel subscriber sets.
func TestDisconnect_NoDanglingSubscriptions(t *testing.T) {
	ctx := context.Background()
	r := New()
	c1, c2 := &scriptConn{}, &scriptConn{}
	r.Connect(ctx, c1, "c1")
	r.Connect(ctx, c2, "c2")
	r.Subscribe(ctx, "c1", "alerts")
	r.Subscribe(ctx, "c1", "equipment")
	r.Subscribe(ctx, "c2", "alerts")

	r.Disconnect("c1")

	assert.Equal(t, 1, r.Count())
	// equipment emptied and was deleted entirely; alerts keeps c2.
	assert.Equal(t, map[string]int{"alerts": 1}, r.ChannelCensus())

	r.BroadcastToChannel(ctx, "alerts", map[string]any{"type": "ping"})
	assert.Len(t, ofType(c2.payloads(t), "ping"), 1)
	assert.Empty(t, ofType(c1.payloads(t), "ping"))
}

// Teardown is idempotent and unknown-entity operations never mutate state.
func TestTeardown_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := New()
	conn := &scriptConn{}
	r.Connect(ctx, conn, "c1")
	r.Subscribe(ctx, "c1", "alerts")

	r.Disconnect("c1")
	r.Disconnect("c1")
	r.Disconnect("never-connected")
	r.Unsubscribe("c1", "alerts")
	r.Unsubscribe("never-connected", "nope")

	assert.Zero(t, r.Count())
	assert.Empty(t, r.ChannelCensus())
}

func TestUnsubscribe_DeletesEmptiedChannel(t *testing.T) {
	ctx := context.Background()
	r := New()
	conn := &scriptConn{}
	r.Connect(ctx, conn, "c1")
	r.Subscribe(ctx, "c1", "alerts")

	r.Unsubscribe("c1", "alerts")
	assert.Empty(t, r.ChannelCensus())

	// Unsubscribing a channel the client never joined is a no-op.
	r.Unsubscribe("c1", "never-joined")
	assert.Equal(t, 1, r.Count())
}

func TestSendTo_MissingConnectionIsNoOp(t *testing.T) {
	r := New()
	r.SendTo(context.Background(), "ghost", map[string]any{"type": "x"})
	assert.Zero(t, r.Count())
}

func TestSendTo_FailureTearsDownConnection(t *testing.T) {
	ctx := context.Background()
	r := New()
	conn := &scriptConn{}
	r.Connect(ctx, conn, "c1")
	r.Subscribe(ctx, "c1", "alerts")

	conn.mu.Lock()
	conn.fail = true
	conn.mu.Unlock()

	r.SendTo(ctx, "c1", map[string]any{"type": "x"})

	assert.Zero(t, r.Count())
	assert.Empty(t, r.ChannelCensus())
}

// One dead connection never prevents delivery to the others, and exactly the
// dead one is disconnected.
func TestBroadcastToChannel_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	r := New()

	conns := make([]*scriptConn, 5)
	for i, id := range []string{"c0", "c1", "c2", "c3", "c4"} {
		conns[i] = &scriptConn{}
		r.Connect(ctx, conns[i], id)
		r.Subscribe(ctx, id, "alerts")
	}
	conns[2].mu.Lock()
	conns[2].fail = true
	conns[2].mu.Unlock()

	r.BroadcastToChannel(ctx, "alerts", map[string]any{"type": "ping"})

	for i, conn := range conns {
		got := ofType(conn.payloads(t), "ping")
		if i == 2 {
			assert.Empty(t, got)
		} else {
			assert.Len(t, got, 1, "connection %d should have received the broadcast", i)
		}
	}

	assert.Equal(t, 4, r.Count())
	assert.Equal(t, map[string]int{"alerts": 4}, r.ChannelCensus())
}

func TestBroadcastToAll_IgnoresSubscriptions(t *testing.T) {
	ctx := context.Background()
	r := New()
	subscribed, lurker := &scriptConn{}, &scriptConn{}
	r.Connect(ctx, subscribed, "c1")
	r.Subscribe(ctx, "c1", "alerts")
	r.Connect(ctx, lurker, "c2")

	r.BroadcastToAll(ctx, map[string]any{"type": "shutdown_notice"})

	assert.Len(t, ofType(subscribed.payloads(t), "shutdown_notice"), 1)
	assert.Len(t, ofType(lurker.payloads(t), "shutdown_notice"), 1)
}

func TestBroadcastToChannel_NoSubscribers(t *testing.T) {
	r := New()
	// Must not panic or create channel state.
	r.BroadcastToChannel(context.Background(), "empty", map[string]any{"type": "x"})
	assert.Empty(t, r.ChannelCensus())
}

func TestConcurrentDisconnectDuringBroadcast(t *testing.T) {
	ctx := context.Background()
	r := New()

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		r.Connect(ctx, &scriptConn{}, id)
		r.Subscribe(ctx, id, "alerts")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.BroadcastToChannel(ctx, "alerts", map[string]any{"type": "tick"})
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range []string{"a", "b", "c"} {
			r.Disconnect(id)
		}
	}()
	wg.Wait()

	assert.Equal(t, 3, r.Count())
}
