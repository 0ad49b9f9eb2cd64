package feedsync

import "sync"

// NetworkSignal delivers reachability as a boolean with change notifications.
// Implementations may repeat a value; the consumer detects transitions.
type NetworkSignal interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ManualSignal is a NetworkSignal driven by the host application.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

var _ NetworkSignal = (*ManualSignal)(nil)

// NewManualSignal creates a signal with the given initial state.
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online, subs: make(map[int]func(bool))}
}

func (s *ManualSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records the new state and notifies every subscriber, even when the
// state did not change.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func (s *ManualSignal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
