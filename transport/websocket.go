package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 32 * 1024 * 1024
)

// WebSocket adapts a gorilla websocket connection to Transport. Every frame
// travels as one binary message; text messages are ignored.
type WebSocket struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closed       chan struct{}
}

type WebSocketOption func(*WebSocket)

// WithWriteTimeout bounds a single Send. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocket) { w.writeTimeout = d }
}

// WithReadLimit caps the size of an incoming message.
func WithReadLimit(n int64) WebSocketOption {
	return func(w *WebSocket) { w.conn.SetReadLimit(n) }
}

func NewWebSocket(conn *websocket.Conn, opts ...WebSocketOption) *WebSocket {
	conn.SetReadLimit(defaultReadLimit)

	w := &WebSocket{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DialWebSocket connects to a tunnel server endpoint.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...WebSocketOption) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial websocket %s (status %d)", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial websocket %s", url)
	}

	return NewWebSocket(conn, opts...), nil
}

func (w *WebSocket) Send(msg []byte) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (w *WebSocket) Serve(h Handler) error {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			local := w.isClosed()
			_ = w.Close()
			if local || isNormalClose(err) {
				h.HandleClose(nil)
				return nil
			}
			err = errors.Wrap(err, "websocket read")
			h.HandleClose(err)
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		h.HandleMessage(data)
	}
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)

		// WriteControl may run concurrently with WriteMessage.
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)

		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
	)
}
