package mutations

import "sync"

// Connectivity reports network reachability and transitions.
type Connectivity interface {
	Online() bool
	Subscribe(listener func(online bool)) (cancel func())
}

// Signal is a settable Connectivity source.
type Signal struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	next      int
}

// NewSignal creates a Signal in the given state.
func NewSignal(online bool) *Signal {
	return &Signal{online: online, listeners: make(map[int]func(bool))}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records the state and notifies listeners when it changes.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(online)
	}
}

func (s *Signal) Subscribe(listener func(bool)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
