package store

import "sync"

// Dispatcher sends an action down the chain.
type Dispatcher func(Action)

// API is what middleware sees of the store.
type API interface {
	Dispatch(Action)
	GetState() State
}

// Middleware wraps the next dispatcher. Middleware runs outside the
// store lock, so it may dispatch further actions.
type Middleware func(api API, next Dispatcher) Dispatcher

// Listener is called after every reduced action with the new state.
// The state must be treated as read-only.
type Listener func(state State, action Action)

// Store applies actions to State through Reduce.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners map[int]Listener
	nextID    int
	dispatch  Dispatcher
}

// New creates a store seeded with initial. Middleware is applied in
// order, the first one seeing each action first.
func New(initial State, middleware ...Middleware) *Store {
	s := &Store{
		state:     initial.Clone(),
		listeners: make(map[int]Listener),
	}
	d := Dispatcher(s.reduce)
	for i := len(middleware) - 1; i >= 0; i-- {
		d = middleware[i](s, d)
	}
	s.dispatch = d
	return s
}

// Dispatch sends a through the middleware chain to the reducer.
func (s *Store) Dispatch(a Action) {
	s.dispatch(a)
}

// GetState returns a copy of the current state.
func (s *Store) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) reduce(a Action) {
	s.mu.Lock()
	next := Reduce(s.state, a)
	s.state = next
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next, a)
	}
}
