package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopTransport is a white-box loopback fabric: published payloads are
// delivered back to this transport's own subscriptions.
type loopTransport struct {
	mu          sync.Mutex
	subs        map[string]bool
	queue       chan loopMsg
	connectErr  error
	publishErr  error
	connectCnt  int
	publishCnt  int
	closedCount int
}

type loopMsg struct {
	channel string
	payload []byte
}

func newLoopTransport() *loopTransport {
	return &loopTransport{
		subs:  make(map[string]bool),
		queue: make(chan loopMsg, 256),
	}
}

func (t *loopTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCnt++
	return t.connectErr
}

func (t *loopTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	t.publishCnt++
	err := t.publishErr
	subscribed := t.subs[channel]
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if subscribed {
		t.queue <- loopMsg{channel: channel, payload: payload}
	}
	return nil
}

func (t *loopTransport) Subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[channel] = true
	return nil
}

func (t *loopTransport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, channel)
	return nil
}

func (t *loopTransport) Listen(ctx context.Context, deliver func(channel string, payload []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-t.queue:
			deliver(m.channel, m.payload)
		}
	}
}

func (t *loopTransport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedCount++
	return nil
}

func (t *loopTransport) subscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[channel]
}

func (t *loopTransport) connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCnt
}

func (t *loopTransport) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closedCount
}

func newTestBroker(t *testing.T, tr Transport) *Broker {
	t.Helper()
	b, err := NewBrokerBuilder().
		WithTransportInstance(tr).
		WithRequestTimeout(time.Second).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func (b *Broker) handlerCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[channel])
}

func TestPublish_LazilyConnects(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)

	id, err := b.Publish(context.Background(), "equipment.status", map[string]any{"type": "reading"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, tr.connects())

	// A second publish reuses the connection.
	_, err = b.Publish(context.Background(), "equipment.status", map[string]any{"type": "reading"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.connects())
}

func TestConnect_FailurePropagatesAndStaysDisconnected(t *testing.T) {
	tr := newLoopTransport()
	tr.connectErr = errors.New("dial refused")
	b := newTestBroker(t, tr)

	require.Error(t, b.Connect(context.Background()))

	_, err := b.Publish(context.Background(), "c", map[string]any{}, "")
	require.Error(t, err)
}

func TestPublish_TransportFailureSurfaces(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)
	require.NoError(t, b.Connect(context.Background()))

	tr.mu.Lock()
	tr.publishErr = errors.New("broken pipe")
	tr.mu.Unlock()

	_, err := b.Publish(context.Background(), "alerts", map[string]any{"type": "x"}, "")
	require.Error(t, err)

	// A failed publish must not be recorded as channel history.
	assert.Empty(t, b.History("alerts", 10))
}

func TestSubscribe_TransportLevelTransitions(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)

	h := func(ctx context.Context, msg *Message) error { return nil }

	sub1, err := b.Subscribe(context.Background(), "alerts", h)
	require.NoError(t, err)
	assert.True(t, tr.subscribed("alerts"))

	sub2, err := b.Subscribe(context.Background(), "alerts", h)
	require.NoError(t, err)

	// Closing one of two handlers keeps the transport subscription.
	require.NoError(t, sub1.Close())
	assert.True(t, tr.subscribed("alerts"))
	assert.Equal(t, 1, b.handlerCount("alerts"))

	// Closing the last one drops it.
	require.NoError(t, sub2.Close())
	assert.False(t, tr.subscribed("alerts"))
	assert.Equal(t, 0, b.handlerCount("alerts"))
}

func TestUnsubscribe_RemovesAllHandlers(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)

	h := func(ctx context.Context, msg *Message) error { return nil }
	_, err := b.Subscribe(context.Background(), "alerts", h)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "alerts", h)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(context.Background(), "alerts"))
	assert.Equal(t, 0, b.handlerCount("alerts"))
	assert.False(t, tr.subscribed("alerts"))

	// Unknown channel is a silent no-op.
	require.NoError(t, b.Unsubscribe(context.Background(), "never-subscribed"))
}

func TestRequest_TimeoutTearsDownReplySubscription(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)

	msg, err := b.Request(context.Background(), "ops.query", map[string]any{"type": "status"}, "dashboard", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// The one-shot reply subscription must not leak.
	b.mu.Lock()
	remaining := len(b.handlers)
	b.mu.Unlock()
	assert.Zero(t, remaining)
	assert.Equal(t, uint64(1), b.Metrics().RequestTimeouts)
}

func TestDisconnect_Idempotent(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)

	// Never connected: still a no-op.
	require.NoError(t, b.Disconnect(context.Background()))

	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Disconnect(context.Background()))
	require.NoError(t, b.Disconnect(context.Background()))
	assert.Equal(t, 1, tr.closes())
}

func TestDispatch_MalformedMessageIsDropped(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)

	got := make(chan *Message, 1)
	_, err := b.Subscribe(context.Background(), "alerts", func(ctx context.Context, msg *Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	tr.queue <- loopMsg{channel: "alerts", payload: []byte("{not json")}

	_, err = b.Publish(context.Background(), "alerts", map[string]any{"type": "x"}, "")
	require.NoError(t, err)

	// The valid message still arrives; the loop survived the bad one.
	select {
	case msg := <-got:
		assert.Equal(t, "x", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("valid message was not delivered after malformed one")
	}
	assert.Equal(t, uint64(1), b.Metrics().DecodeErrors)
}

func TestClosedBroker_RejectsWork(t *testing.T) {
	tr := newLoopTransport()
	b := newTestBroker(t, tr)
	require.NoError(t, b.Close(context.Background()))

	_, err := b.Publish(context.Background(), "c", map[string]any{}, "")
	require.ErrorIs(t, err, ErrBrokerClosed)

	_, err = b.Subscribe(context.Background(), "c", func(ctx context.Context, msg *Message) error { return nil })
	require.ErrorIs(t, err, ErrBrokerClosed)

	h := b.Health(context.Background())
	assert.Equal(t, "unhealthy", h.Status)
}
