package stores

import "sync"

// ScreenState is a consistent copy of the screen store.
type ScreenState struct {
	Current          string
	Previous         string
	InteractionCount int64
}

// ScreenStore tracks the screen currently shown to the user.
type ScreenStore struct {
	mu    sync.RWMutex
	state ScreenState
	obs   observerSet
}

// NewScreenStore creates an empty screen store.
func NewScreenStore() *ScreenStore {
	return &ScreenStore{}
}

// SetCurrent records a transition to name and reports whether it changed
// anything. Setting the screen that is already current is a no-op: the
// counter is not incremented and no event is published.
func (s *ScreenStore) SetCurrent(name string) bool {
	s.mu.Lock()
	if name == s.state.Current {
		s.mu.Unlock()
		return false
	}
	s.state.Previous = s.state.Current
	s.state.Current = name
	s.state.InteractionCount++
	snap := s.state
	s.mu.Unlock()

	s.obs.notify(Event{Kind: EventScreenChanged, Screen: snap})
	return true
}

// Snapshot returns the current state.
func (s *ScreenStore) Snapshot() ScreenState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Current returns the current screen name, or "" when none is set.
func (s *ScreenStore) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Current
}

// Clear resets the store without publishing an event.
func (s *ScreenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ScreenState{}
}

// Subscribe registers fn for screen changes and returns its unsubscribe func.
func (s *ScreenStore) Subscribe(fn Observer) func() {
	return s.obs.subscribe(fn)
}
