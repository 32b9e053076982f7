// Package transport carries discrete protocol envelopes over a reliable,
// ordered channel. The engine never sees frames, only whole envelopes.
package transport

import (
	"errors"

	"github.com/opd-ai/chatsync/wire"
)

// ErrClosed indicates the transport was closed by a local Close call. A
// connection dropped by the peer surfaces as the underlying read error.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional channel of envelopes. Send may be called
// from any goroutine; Recv is called by the engine's single reader
// goroutine and blocks until an envelope arrives or the transport fails.
type Transport interface {
	Send(msg *wire.ClientMsg) error
	Recv() (*wire.ServerMsg, error)
	Close() error
}

// Dialer opens a fresh Transport for each connection attempt, so the
// engine can reconnect without knowing how the channel is built.
type Dialer interface {
	Dial() (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func() (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial() (Transport, error) {
	return f()
}
