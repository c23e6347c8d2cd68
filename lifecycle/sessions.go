package lifecycle

import "sync"

// Sessions counts the requests being handled by one generation, so a newer
// generation can wait for it to drain before taking over.
type Sessions struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func NewSessions() *Sessions {
	s := &Sessions{idle: make(chan struct{})}
	close(s.idle)
	return s
}

// Enter registers a request. Every Enter must be matched by a Leave.
func (s *Sessions) Enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
}

func (s *Sessions) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		return
	}
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
}

func (s *Sessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Idle returns a channel that is closed while no request is active.
func (s *Sessions) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}
