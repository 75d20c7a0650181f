// Package transport carries framed messages over the already-established
// bidirectional channel to the remote speech-to-speech service.
//
// The session core treats this as an external collaborator: it hands over
// opaque outgoing frames and consumes the incoming event stream. Connection
// retry policy lives here, never in the core.
package transport

import (
	"errors"

	"github.com/GriffinCanCode/converse/internal/wire"
)

// ErrSendQueueFull is returned when the outgoing buffer is saturated.
// Callers drop the frame; capture cadence must never block on the network.
var ErrSendQueueFull = errors.New("transport: send queue full")

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport: closed")

// Transport is a bidirectional framed channel to the remote service.
type Transport interface {
	// Send enqueues one framed message without blocking. Returns
	// ErrSendQueueFull under backpressure and ErrClosed after Close.
	Send(frame []byte) error

	// Events returns the incoming event stream in arrival order. The
	// channel closes after a terminal Closed or RemoteError event, or
	// once Close is called.
	Events() <-chan wire.Event

	// Close tears down the channel. Idempotent.
	Close() error
}
