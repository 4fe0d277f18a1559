// Package server answers tunneled HTTP requests: it decodes frames from a
// transport, runs each request through a Fetcher and streams the result back.
package server

import (
	"go.uber.org/zap"

	"go-tunnel/transport"
)

type Server struct {
	dispatcher *Dispatcher
	hub        *Hub
}

func NewServer(d *Dispatcher) *Server {
	return &Server{
		dispatcher: d,
		hub:        NewHub(),
	}
}

// Serve runs a session on t until the transport closes, then waits for its
// cancelled requests to unwind.
func (s *Server) Serve(t transport.Transport) error {
	sess := NewSession(t, s.dispatcher)

	s.hub.Add(sess)
	s.dispatcher.metrics.sessionOpened()
	defer func() {
		s.hub.Remove(sess)
		s.dispatcher.metrics.sessionClosed()
	}()

	err := sess.Serve()
	sess.HandleClose(err)
	sess.Wait()

	if err != nil {
		s.dispatcher.log.Debug("session ended", zap.String("session", sess.ID()), zap.Error(err))
	}
	return err
}

type Health struct {
	Sessions int        `json:"sessions"`
	InFlight int        `json:"in_flight"`
	Fetchers *PoolStats `json:"fetchers,omitempty"`
}

func (s *Server) Health() Health {
	h := Health{
		Sessions: s.hub.Len(),
		InFlight: s.hub.InFlight(),
	}
	if p, ok := s.dispatcher.fetcher.(*FetcherPool); ok {
		stats := p.Stats()
		h.Fetchers = &stats
	}
	return h
}

// CloseSessions closes every live session, cancelling their requests.
func (s *Server) CloseSessions() int {
	return s.hub.CloseAll()
}
