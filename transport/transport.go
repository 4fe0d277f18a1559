// Package transport defines the message pipe the tunnel runs over and ships
// two implementations: an in-memory Pipe and a WebSocket adapter.
package transport

import "github.com/pkg/errors"

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Handler receives what a Transport reads.
type Handler interface {
	// HandleMessage is called once per received message, in arrival order,
	// from a single goroutine. msg is owned by the handler.
	HandleMessage(msg []byte)
	// HandleClose is called exactly once when the read side ends. err is
	// nil for an orderly close.
	HandleClose(err error)
}

// Transport is an ordered, boundary-preserving, bidirectional message pipe.
type Transport interface {
	// Send enqueues one message. It is safe for concurrent use.
	Send(msg []byte) error
	// Serve runs the read loop, delivering messages to h until the transport
	// closes. It must be called at most once.
	Serve(h Handler) error
	Close() error
}
