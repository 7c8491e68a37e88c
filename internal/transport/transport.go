// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/gorilla/websocket"
)

// Kind is the transport family of a connection.
type Kind string

const (
	KindSocket Kind = "socket" // bidirectional WebSocket
	KindStream Kind = "stream" // receive-only Server-Sent Events
)

var (
	ErrReceiveOnly = errors.New("transport is receive-only")
	ErrClosed      = errors.New("transport closed")
)

// Message is one raw inbound unit. Event is the SSE event name and is empty
// for WebSocket frames.
type Message struct {
	Event string
	Data  []byte
	ID    string
}

// Transport is a single live socket or stream. Receive is called from one
// goroutine only; Send and Close may be called concurrently with it.
type Transport interface {
	Receive(ctx context.Context) (Message, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens transports. For streams, ctx bounds the lifetime of the
// returned transport, not only the handshake.
type Dialer interface {
	Dial(ctx context.Context, target string) (Transport, error)
}

// DialerFunc is an adapter to allow the use of ordinary functions as dialers.
type DialerFunc func(ctx context.Context, target string) (Transport, error)

// Dial calls f(ctx, target).
func (f DialerFunc) Dial(ctx context.Context, target string) (Transport, error) {
	return f(ctx, target)
}

// IsCleanClose reports whether err marks an orderly end of the transport
// rather than a failure.
func IsCleanClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// IsEOF reports whether the peer simply stopped sending.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
