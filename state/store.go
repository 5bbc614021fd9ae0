package state

import "sync"

// Observer receives the full snapshot after every store write.
type Observer func(EngineState)

// Store holds the authoritative snapshot and fans it out to observers. It is
// purely a container: it enforces no domain rules. The event loop is the only
// writer; observers are notified synchronously with the new snapshot.
type Store struct {
	mu        sync.Mutex
	state     EngineState
	observers map[int]Observer
	nextID    int
}

// NewStore creates a store seeded with an empty snapshot.
func NewStore() *Store {
	return &Store{
		state:     NewEngineState(),
		observers: map[int]Observer{},
	}
}

// GetState returns the current snapshot. The maps it contains must be treated
// as read-only; writers replace them wholesale.
func (s *Store) GetState() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState replaces the snapshot with apply(current) and notifies observers.
// apply must return a snapshot whose touched maps are fresh copies.
func (s *Store) SetState(apply func(EngineState) EngineState) {
	s.mu.Lock()
	next := apply(s.state)
	s.state = next
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o(next)
	}
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *Store) Subscribe(o Observer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}
