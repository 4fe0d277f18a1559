package transport

import "sync"

const pipeBuffer = 256

// PipeEnd is one side of an in-memory Transport pair.
type PipeEnd struct {
	in   chan []byte
	peer *PipeEnd
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}

	a := &PipeEnd{in: make(chan []byte, pipeBuffer), done: done, once: once}
	b := &PipeEnd{in: make(chan []byte, pipeBuffer), done: done, once: once}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeEnd) Send(msg []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	copied := make([]byte, len(msg))
	copy(copied, msg)

	select {
	case p.peer.in <- copied:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *PipeEnd) Serve(h Handler) error {
	for {
		// drain anything already queued before honoring close
		select {
		case msg := <-p.in:
			h.HandleMessage(msg)
			continue
		default:
		}

		select {
		case msg := <-p.in:
			h.HandleMessage(msg)
		case <-p.done:
			h.HandleClose(nil)
			return nil
		}
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
