package relay

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/trickstertwo/xlog"
)

// RetryConfig controls RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// Backoff computes the base wait before attempt n+1 (1-based attempt).
	Backoff func(attempt int) time.Duration
	// RetryIf filters which errors are worth retrying. Nil retries all.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter) random delay on top of Backoff.
	Jitter time.Duration
}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) retryable(err error) bool {
	if c.RetryIf == nil {
		return true
	}
	return c.RetryIf(err)
}

func (c RetryConfig) wait(attempt int) time.Duration {
	if c.Backoff == nil {
		return 0
	}
	d := c.Backoff(attempt)
	if c.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.Jitter)))
	}
	return d
}

// RetryMiddleware re-runs a failing handler up to cfg.MaxAttempts times.
// A cancelled context always ends the attempt sequence.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			var err error
			for attempt := 1; ; attempt++ {
				err = next(ctx, msg)
				if err == nil {
					return nil
				}
				if ctx.Err() != nil || attempt == cfg.attempts() || !cfg.retryable(err) {
					return err
				}
				if d := cfg.wait(attempt); d > 0 {
					select {
					case <-ctx.Done():
						return err
					case <-time.After(d):
					}
				}
			}
		}
	}
}

// TimeoutMiddleware bounds a handler's processing time. The handler runs on
// its own goroutine; on expiry the middleware returns DeadlineExceeded and
// the handler keeps the cancelled context to wind itself down.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts a handler panic into ErrHandlerPanic so one
// bad handler cannot take down the receive loop. Subscribe installs it
// innermost on every handler.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs each delivery with its channel, message id and
// processing duration.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	if l == nil {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			start := time.Now()
			err := next(ctx, msg)
			l.With(
				xlog.Str("channel", msg.Channel),
				xlog.Str("message_id", msg.ID),
				xlog.Dur("dur", time.Since(start)),
			).Debug().Err(err).Msg("relay: handled")
			return err
		}
	}
}

// Chain wraps h so that mws[0] is outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
