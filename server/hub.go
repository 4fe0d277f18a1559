package server

import "sync"

// Hub tracks the live sessions of a server.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
	}
}

// Add registers a session.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

// Remove forgets a session. It does not close it.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// InFlight sums the in-flight requests of every session.
func (h *Hub) InFlight() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for s := range h.sessions {
		n += s.InFlight()
	}
	return n
}

// CloseAll closes every registered session and returns how many there were.
// Sessions remove themselves once their read loop returns.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return len(subs)
}
