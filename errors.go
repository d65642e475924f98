package relay

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBrokerClosed          = errors.New("relay: broker is closed")
	ErrInvalidChannel        = errors.New("relay: channel must not be empty")
	ErrInvalidSubscription   = errors.New("relay: subscription requires a channel and a handler")
	ErrNoTransportConfigured = errors.New("relay: no transport configured")
	ErrHandlerPanic          = errors.New("relay: handler panicked")

	// ErrObserverPoolShutdownTimeout is returned when the observer pool fails
	// to drain within its close deadline.
	ErrObserverPoolShutdownTimeout = errors.New("relay: observer pool shutdown timed out")
)
