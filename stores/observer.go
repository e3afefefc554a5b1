// Package stores holds the process-wide telemetry context: global
// attributes, the active session, the current screen and the install-level
// user identity.
//
// Each store owns its own mutex so unrelated context domains never contend.
// Observers registered with Subscribe are invoked synchronously after the
// store's lock is released, which lets the crash-context cache snapshot a
// change before the setter returns.
package stores

import "sync"

// EventKind identifies which context changed.
type EventKind int

const (
	EventSessionRotated EventKind = iota + 1
	EventScreenChanged
	EventUserResolved
)

func (k EventKind) String() string {
	switch k {
	case EventSessionRotated:
		return "session_rotated"
	case EventScreenChanged:
		return "screen_changed"
	case EventUserResolved:
		return "user_resolved"
	default:
		return "unknown"
	}
}

// Event describes a context change. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Session Session
	Screen  ScreenState
	UserID  string
}

// Observer receives context change events.
type Observer func(Event)

// observerSet is an unsubscribable list of observers.
type observerSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Observer
}

func (o *observerSet) subscribe(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subs == nil {
		o.subs = make(map[int]Observer)
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// notify calls every observer. It must be called without the owning store's
// lock held.
func (o *observerSet) notify(ev Event) {
	o.mu.Lock()
	fns := make([]Observer, 0, len(o.subs))
	for id := 0; id < o.nextID; id++ {
		if fn, ok := o.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
