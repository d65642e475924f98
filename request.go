package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// DefaultRequestTimeout bounds Request when no timeout is supplied.
const DefaultRequestTimeout = 30 * time.Second

// Request implements request/response over pub/sub: it publishes data on
// channel with a fresh correlation id and a derived reply channel
// (<channel>.response.<correlation-id>), then awaits the first message
// carrying that correlation id.
//
// A timeout is not an error: Request logs a warning and returns (nil, nil) so
// the caller decides whether a missing response is fatal. The temporary reply
// subscription is torn down on every exit path.
func (b *Broker) Request(ctx context.Context, channel string, data map[string]any, sender string, timeout time.Duration) (*Message, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}
	if timeout <= 0 {
		timeout = b.reqTimeout
	}

	correlationID := uuid.NewString()
	replyChannel := ResponseChannel(channel, correlationID)
	reply := make(chan *Message, 1)

	sub, err := b.Subscribe(ctx, replyChannel, func(_ context.Context, msg *Message) error {
		if msg.CorrelationID != correlationID {
			return nil
		}
		select {
		case reply <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	// Copy so the caller's map isn't mutated by the routing hints.
	req := make(map[string]any, len(data)+2)
	for k, v := range data {
		req[k] = v
	}
	req["response_channel"] = replyChannel
	req["correlation_id"] = correlationID

	if _, err := b.Publish(ctx, channel, req, sender); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		b.metrics.requestTimeouts.Add(1)
		b.notifyAsync(Event{Type: RequestExpired, Channel: channel, MessageID: correlationID})
		b.logger.With(
			xlog.Str("channel", channel),
			xlog.Str("correlation_id", correlationID),
		).Warn().Msg("relay: request timed out without a response")
		return nil, nil
	}
}

// Respond is the responder-side half of Request: it publishes data on the
// reply channel named in a request's payload, stamping the correlation id so
// the waiting requester can match it. Requests without routing hints are
// ignored with a nil result.
func (b *Broker) Respond(ctx context.Context, req *Message, data map[string]any, sender string) (string, error) {
	replyChannel, _ := req.Data["response_channel"].(string)
	correlationID, _ := req.Data["correlation_id"].(string)
	if replyChannel == "" || correlationID == "" {
		return "", nil
	}

	resp := make(map[string]any, len(data)+1)
	for k, v := range data {
		resp[k] = v
	}
	resp["correlation_id"] = correlationID

	return b.Publish(ctx, replyChannel, resp, sender)
}
