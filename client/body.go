package client

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrBodyClosed is returned by Read after the caller closed the body.
var ErrBodyClosed = errors.New("read on closed response body")

// body is the read side of a streaming response. Chunks are queued without
// bound so the connection's read loop never waits on a slow reader.
type body struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	cur    []byte
	err    error // io.EOF after End, or the reason the stream was cut
	closed bool
}

func newBody() *body {
	b := &body{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.cur) == 0 {
		if b.closed {
			return 0, ErrBodyClosed
		}
		if len(b.chunks) > 0 {
			b.cur = b.chunks[0]
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			continue
		}
		if b.err != nil {
			return 0, b.err
		}
		if len(p) == 0 {
			return 0, nil
		}
		b.cond.Wait()
	}

	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	return n, nil
}

// Close discards anything still queued; chunks arriving later are dropped.
func (b *body) Close() error {
	b.mu.Lock()
	b.closed = true
	b.chunks = nil
	b.cur = nil
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

func (b *body) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed || b.err != nil {
		b.mu.Unlock()
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.mu.Unlock()
	b.cond.Signal()
}

// finish ends the stream; err is io.EOF on a clean End.
func (b *body) finish(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

var _ io.ReadCloser = (*body)(nil)
