// Package client multiplexes HTTP requests over a single tunnel transport.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-tunnel/protocol"
	"go-tunnel/transport"
)

// DefaultRequestTimeout bounds the wait for a response's Start frame.
const DefaultRequestTimeout = 30 * time.Second

// seqSpace is the number of distinct sequence ids.
const seqSpace = 1 << 16

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendFailed       = errors.New("send failed")
)

// Response is delivered as soon as the Start frame arrives. Body streams
// the chunks that follow and returns io.EOF after End. It can be read once
// and must be closed.
type Response struct {
	Seq        uint16
	Status     int
	StatusText string
	Headers    protocol.Headers
	Body       io.ReadCloser
}

type pendingState int

const (
	stateAwaitingStart pendingState = iota
	stateStreaming
	// stateAbandoned holds the id of a request that was given up on or got
	// a malformed Start, until the server's End for it arrives.
	stateAbandoned
)

type pendingRequest struct {
	seq   uint16
	state pendingState
	body  *body

	resolved chan struct{}
	resp     *Response
	err      error
}

type Connection struct {
	t       transport.Transport
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[uint16]*pendingRequest
	next    uint16
	freed   chan struct{} // closed and replaced whenever an id is released
	closed  bool
	done    chan struct{}
}

type Option func(*Connection)

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithRequestTimeout sets how long Request waits for Start. Zero means
// only the caller's context applies.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connection) { c.timeout = d }
}

// NewConnection takes ownership of t and starts reading from it.
func NewConnection(t transport.Transport, opts ...Option) *Connection {
	c := &Connection{
		t:       t,
		log:     zap.NewNop(),
		timeout: DefaultRequestTimeout,
		pending: make(map[uint16]*pendingRequest),
		freed:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go func() {
		if err := t.Serve(c); err != nil {
			c.log.Debug("transport read loop ended", zap.Error(err))
		}
	}()

	return c
}

// Request sends one HTTP request through the tunnel and waits for the
// response head.
func (c *Connection) Request(ctx context.Context, payload *protocol.HTTPRequestPayload) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	p, err := c.register(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := protocol.EncodeJSON(p.seq, uint8(protocol.C2SHTTPRequest), payload)
	if err != nil {
		c.release(p)
		return nil, err
	}

	if err := c.t.Send(msg); err != nil {
		c.release(p)
		c.log.Debug("request send failed", zap.Uint16("seq", p.seq), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	select {
	case <-p.resolved:
		return p.resp, p.err
	case <-ctx.Done():
		if c.abandon(p) {
			return nil, ctx.Err()
		}
		// resolved concurrently
		<-p.resolved
		return p.resp, p.err
	}
}

// Pending reports the number of requests still holding a sequence id.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the transport and fails every outstanding request.
func (c *Connection) Close() error {
	err := c.t.Close()
	c.shutdown(nil)
	return err
}

// register allocates the next free sequence id. Ids increase and wrap,
// skipping any still held. With every id held it waits for one to free up.
func (c *Connection) register(ctx context.Context) (*pendingRequest, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnectionClosed
		}

		if len(c.pending) < seqSpace {
			for {
				c.next++
				if _, busy := c.pending[c.next]; !busy {
					break
				}
			}
			p := &pendingRequest{
				seq:      c.next,
				state:    stateAwaitingStart,
				resolved: make(chan struct{}),
			}
			c.pending[p.seq] = p
			c.mu.Unlock()
			return p, nil
		}

		wait := c.freed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrConnectionClosed
		}
	}
}

// releaseLocked frees p's sequence id. c.mu must be held.
func (c *Connection) releaseLocked(p *pendingRequest) {
	if c.pending[p.seq] != p {
		return
	}
	delete(c.pending, p.seq)
	close(c.freed)
	c.freed = make(chan struct{})
}

func (c *Connection) release(p *pendingRequest) {
	c.mu.Lock()
	c.releaseLocked(p)
	c.mu.Unlock()
}

// abandon gives up on p if it is still waiting for Start and reports
// whether it did so. The id stays held until End arrives so that late frames
// of the old response cannot reach a request that reuses it.
func (c *Connection) abandon(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-p.resolved:
		return false
	default:
	}
	p.state = stateAbandoned
	close(p.resolved)
	return true
}

// resolveLocked completes the wait in Request. c.mu must be held.
func resolveLocked(p *pendingRequest, resp *Response, err error) {
	p.resp = resp
	p.err = err
	close(p.resolved)
}

// HandleMessage implements transport.Handler.
func (c *Connection) HandleMessage(msg []byte) {
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		c.log.Debug("dropping malformed frame", zap.Int("len", len(msg)))
		return
	}

	switch f.S2C() {
	case protocol.S2CHTTPResponseStart:
		c.handleStart(f)
	case protocol.S2CHTTPResponseChunk:
		c.handleChunk(f)
	case protocol.S2CHTTPResponseEnd:
		c.handleEnd(f)
	default:
		// WebSocket family: reserved, no handler
	}
}

func (c *Connection) handleStart(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[f.Seq]
	if p == nil || p.state != stateAwaitingStart {
		c.log.Debug("dropping unexpected start", zap.Uint16("seq", f.Seq))
		return
	}

	head, err := protocol.DecodeHTTPResponse(f.Payload)
	if err != nil {
		// the rest of this response is still coming; hold the id until End
		p.state = stateAbandoned
		resolveLocked(p, nil, err)
		return
	}

	p.state = stateStreaming
	p.body = newBody()
	resolveLocked(p, &Response{
		Seq:        f.Seq,
		Status:     head.Status,
		StatusText: head.StatusText,
		Headers:    head.Headers,
		Body:       p.body,
	}, nil)
}

func (c *Connection) handleChunk(f protocol.Frame) {
	var b *body
	c.mu.Lock()
	if p := c.pending[f.Seq]; p != nil {
		b = p.body
	}
	c.mu.Unlock()

	if b == nil {
		c.log.Debug("dropping unexpected chunk", zap.Uint16("seq", f.Seq))
		return
	}
	b.push(f.Payload)
}

func (c *Connection) handleEnd(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[f.Seq]
	if p == nil {
		c.log.Debug("dropping unexpected end", zap.Uint16("seq", f.Seq))
		return
	}
	c.releaseLocked(p)

	switch p.state {
	case stateAbandoned:
		return
	case stateAwaitingStart:
		// End without Start: hand back an empty response rather than hang
		b := newBody()
		b.finish(io.EOF)
		resolveLocked(p, &Response{Seq: f.Seq, Headers: protocol.Headers{}, Body: b}, nil)
	default:
		p.body.finish(io.EOF)
	}
}

// HandleClose implements transport.Handler.
func (c *Connection) HandleClose(err error) {
	c.shutdown(err)
}

func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)

	reason := ErrConnectionClosed
	if cause != nil {
		reason = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}

	c.log.Debug("connection closed", zap.Int("pending", len(c.pending)), zap.Error(cause))

	for seq, p := range c.pending {
		delete(c.pending, seq)
		switch p.state {
		case stateAwaitingStart:
			resolveLocked(p, nil, reason)
		case stateStreaming:
			p.body.finish(reason)
		}
	}
}

var _ transport.Handler = (*Connection)(nil)
