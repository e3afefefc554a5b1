package crash

import (
	"sync"
	"time"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/stores"
)

// ContextCache mirrors the session, user and screen stores into the crash
// reporter. Every context change rewrites the full snapshot before the
// setter that caused it returns.
type ContextCache struct {
	reporter Reporter
	sessions *stores.SessionManager
	screens  *stores.ScreenStore
	users    *stores.UserStore
	logger   core.Logger
	now      func() time.Time

	mu     sync.Mutex
	unsubs []func()
	last   Snapshot
}

// NewContextCache creates a cache; call Start to begin mirroring.
func NewContextCache(reporter Reporter, sessions *stores.SessionManager, screens *stores.ScreenStore, users *stores.UserStore, logger core.Logger) *ContextCache {
	return &ContextCache{
		reporter: reporter,
		sessions: sessions,
		screens:  screens,
		users:    users,
		logger:   core.ComponentLogger(logger, "rumagent/crash"),
		now:      time.Now,
	}
}

// Start subscribes to the stores and writes the initial snapshot.
func (c *ContextCache) Start() {
	c.mu.Lock()
	if c.unsubs != nil {
		c.mu.Unlock()
		return
	}
	c.unsubs = []func(){
		c.sessions.Subscribe(c.onChange),
		c.screens.Subscribe(c.onChange),
		c.users.Subscribe(c.onChange),
	}
	c.mu.Unlock()

	c.write(stores.Event{})
}

// Stop unsubscribes from the stores.
func (c *ContextCache) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (c *ContextCache) onChange(ev stores.Event) {
	c.write(ev)
}

// Capture builds a snapshot from the stores as they are now.
func (c *ContextCache) Capture() Snapshot {
	snap := Snapshot{
		CapturedAt: c.now(),
		ScreenName: c.screens.Current(),
		UserID:     c.users.ID(),
	}
	if s, ok := c.sessions.PeekSession(); ok {
		snap.SessionID = s.ID
		snap.PreviousSessionID = s.PreviousID
	}
	return snap
}

// write serialises snapshot writes. The stores are read under c.mu rather
// than taken from the event, so observers delivered out of order still leave
// the latest context on disk.
func (c *ContextCache) write(ev stores.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.Capture()
	if err := c.reporter.SetMetadata(snap.Metadata()); err != nil {
		c.logger.Error("Failed to cache crash context", map[string]interface{}{
			"trigger":    ev.Kind.String(),
			"error":      err,
			"error_type": core.ErrStorageWriteFailed.Error(),
		})
		return
	}
	c.last = snap
}

// Last returns the most recently written snapshot.
func (c *ContextCache) Last() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
