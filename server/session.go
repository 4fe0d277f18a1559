package server

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-tunnel/protocol"
	"go-tunnel/transport"
)

// inflight is the cancellation handle of one running request pipeline.
type inflight struct {
	cancel context.CancelFunc
}

// Session serves one transport. Each accepted request runs in its own
// goroutine; closing the session cancels all of them.
type Session struct {
	id  string
	t   transport.Transport
	d   *Dispatcher
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint16]*inflight
	closed   bool

	wg sync.WaitGroup
}

func NewSession(t transport.Transport, d *Dispatcher) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &Session{
		id:       id,
		t:        t,
		d:        d,
		log:      d.log.With(zap.String("session", id)),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uint16]*inflight),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Serve reads from the transport until it closes.
func (s *Session) Serve() error {
	s.log.Debug("session opened")
	return s.t.Serve(s)
}

// Close closes the transport and cancels every in-flight request.
func (s *Session) Close() error {
	err := s.t.Close()
	s.HandleClose(nil)
	return err
}

// Wait blocks until every request pipeline has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// InFlight reports the number of requests still being answered.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// HandleMessage implements transport.Handler.
func (s *Session) HandleMessage(msg []byte) {
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		s.log.Debug("dropping malformed frame", zap.Int("len", len(msg)))
		s.d.metrics.frameDropped(dropShortFrame)
		return
	}

	switch op := f.C2S(); op {
	case protocol.C2SHTTPRequest:
		req, err := protocol.DecodeHTTPRequest(f.Payload)
		if err != nil {
			s.log.Debug("dropping request with bad payload", zap.Uint16("seq", f.Seq), zap.Error(err))
			s.d.metrics.frameDropped(dropBadPayload)
			return
		}
		s.dispatch(f.Seq, req)

	case protocol.C2SWSOpen, protocol.C2SWSClose, protocol.C2SWSSendText, protocol.C2SWSSendBinary:
		s.log.Debug("ignoring reserved opcode", zap.Stringer("opcode", op))
		s.d.metrics.frameDropped(dropReservedOp)

	default:
		s.log.Debug("ignoring unknown opcode", zap.Stringer("opcode", op))
		s.d.metrics.frameDropped(dropUnknownOp)
	}
}

func (s *Session) dispatch(seq uint16, req *protocol.HTTPRequestPayload) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.d.metrics.frameDropped(dropSessionClose)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h := &inflight{cancel: cancel}
	s.inflight[seq] = h
	s.wg.Add(1)
	s.mu.Unlock()

	s.d.metrics.requestStarted()

	go func() {
		defer s.wg.Done()
		defer s.unregister(seq, h)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("request pipeline panicked", zap.Uint16("seq", seq), zap.Any("panic", r))
				s.d.metrics.requestDone(outcomeAborted)
			}
		}()

		if err := s.d.serveHTTP(ctx, seq, req, s.send); err != nil {
			s.log.Debug("response aborted", zap.Uint16("seq", seq), zap.Error(err))
		}
	}()
}

func (s *Session) unregister(seq uint16, h *inflight) {
	s.mu.Lock()
	if s.inflight[seq] == h {
		delete(s.inflight, seq)
	}
	s.mu.Unlock()
}

func (s *Session) send(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.t.Send(msg)
}

// HandleClose implements transport.Handler. It cancels every registered
// request exactly once; later calls do nothing.
func (s *Session) HandleClose(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*inflight, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	// also covers pipelines registered under a reused seq
	s.cancel()
	s.log.Debug("session closed", zap.Int("cancelled", len(handles)), zap.Error(err))
}

var _ transport.Handler = (*Session)(nil)
