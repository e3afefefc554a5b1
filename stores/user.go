package stores

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/itsneelabh/rumagent/core"
)

// UserStore holds the install-level user id. The id is generated once,
// persisted under core.KeyUserID and immutable for the process lifetime once
// loaded.
type UserStore struct {
	mu      sync.RWMutex
	id      string
	loaded  bool
	storage core.Storage
	logger  core.Logger
	obs     observerSet
	load    singleflight.Group
}

// NewUserStore creates a user store backed by storage.
func NewUserStore(storage core.Storage, logger core.Logger) *UserStore {
	return &UserStore{
		storage: storage,
		logger:  core.ComponentLogger(logger, "rumagent/stores"),
	}
}

// Load reads the persisted id or generates and persists a new one. A failed
// write keeps the generated id in memory for the rest of the process.
// Concurrent first calls share one read-or-create, so storage only ever sees
// the id that is kept. Only the first call publishes EventUserResolved.
func (u *UserStore) Load(ctx context.Context) string {
	if id, ok := u.loadedID(); ok {
		return id
	}

	v, _, _ := u.load.Do(core.KeyUserID, func() (interface{}, error) {
		if id, ok := u.loadedID(); ok {
			return id, nil
		}
		id := u.readOrCreate(ctx)

		u.mu.Lock()
		u.id = id
		u.loaded = true
		u.mu.Unlock()

		u.obs.notify(Event{Kind: EventUserResolved, UserID: id})
		return id, nil
	})
	return v.(string)
}

func (u *UserStore) loadedID() (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.id, u.loaded
}

func (u *UserStore) readOrCreate(ctx context.Context) string {
	if u.storage != nil {
		stored, err := u.storage.Get(ctx, core.KeyUserID)
		if err != nil {
			u.logger.Warn("Failed to read persisted user id", map[string]interface{}{
				"error": err,
			})
		} else if stored != "" {
			return stored
		}
	}

	id := uuid.NewString()
	if u.storage == nil {
		return id
	}
	if err := u.storage.Set(ctx, core.KeyUserID, id, 0); err != nil {
		u.logger.Error("Failed to persist user id, keeping it in memory", map[string]interface{}{
			"error":      err,
			"error_type": core.ErrStorageWriteFailed.Error(),
		})
	}
	return id
}

// ID returns the loaded id, or "" before Load.
func (u *UserStore) ID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.id
}

// Subscribe registers fn for the one-time user resolution event.
func (u *UserStore) Subscribe(fn Observer) func() {
	return u.obs.subscribe(fn)
}
