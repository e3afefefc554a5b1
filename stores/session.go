package stores

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/rumagent/core"
)

// Session is a copy of the active session.
type Session struct {
	ID         string
	PreviousID string
	StartTime  time.Time
	ExpireTime time.Time
	Timeout    time.Duration
	Sampled    bool
}

// IsExpired reports whether the session expired at or before now.
func (s Session) IsExpired(now time.Time) bool {
	return !s.ExpireTime.After(now)
}

// EndTime is the time of the last activity, known only once the session has
// expired.
func (s Session) EndTime(now time.Time) (time.Time, bool) {
	if !s.IsExpired(now) {
		return time.Time{}, false
	}
	return s.ExpireTime.Add(-s.Timeout), true
}

// maxQueuedSessionEvents bounds the session events buffered before a sink
// is attached.
const maxQueuedSessionEvents = 32

// defaultSaveInterval matches how often an extended session is re-persisted.
const defaultSaveInterval = 30 * time.Second

// SessionManager owns the single active session. Access extends the session;
// an expired or missing session is rotated to a fresh UUID.
type SessionManager struct {
	mu      sync.Mutex
	cfg     core.SessionConfig
	session *Session
	obs     observerSet

	storage core.Storage
	logger  core.Logger
	now     func() time.Time
	random  func() float64

	// session.start/session.end events
	sinkMu sync.Mutex
	sink   func(*core.Record)
	queue  []*core.Record

	// persistence
	saveMu    sync.Mutex
	lastSaved Session
	dirty     chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// SessionOption customises a SessionManager.
type SessionOption func(*SessionManager)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// WithRandom overrides the sampling random source, for tests.
func WithRandom(r func() float64) SessionOption {
	return func(m *SessionManager) { m.random = r }
}

// NewSessionManager creates a session manager. Call Restore to pick up a
// session persisted by a previous process.
func NewSessionManager(cfg core.SessionConfig, storage core.Storage, logger core.Logger, opts ...SessionOption) *SessionManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = core.DefaultSessionTimeout
	}
	m := &SessionManager{
		cfg:     cfg,
		storage: storage,
		logger:  core.ComponentLogger(logger, "rumagent/stores"),
		now:     time.Now,
		random:  rand.Float64,
		dirty:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetSession returns the active session, extending it, or rotating it when
// there is none or it has expired.
func (m *SessionManager) GetSession() Session {
	m.mu.Lock()
	now := m.now()
	if m.session == nil || m.session.IsExpired(now) {
		prev := m.session
		cur := m.rotateLocked(now)
		m.mu.Unlock()
		m.afterRotation(prev, cur, now)
		return cur
	}
	m.session.ExpireTime = now.Add(m.cfg.Timeout)
	cur := *m.session
	m.mu.Unlock()
	return cur
}

// PeekSession returns the active session without extending or rotating it.
func (m *SessionManager) PeekSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Rotate forces a new session regardless of expiry.
func (m *SessionManager) Rotate() Session {
	m.mu.Lock()
	now := m.now()
	prev := m.session
	cur := m.rotateLocked(now)
	m.mu.Unlock()
	m.afterRotation(prev, cur, now)
	return cur
}

// IsSampled reports whether telemetry of the active session is kept.
// Without a session it answers true so nothing is dropped before the first rotation.
func (m *SessionManager) IsSampled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == nil || m.session.Sampled
}

func (m *SessionManager) rotateLocked(now time.Time) Session {
	var previousID string
	if m.session != nil {
		previousID = m.session.ID
	}
	next := &Session{
		ID:         uuid.NewString(),
		PreviousID: previousID,
		StartTime:  now,
		ExpireTime: now.Add(m.cfg.Timeout),
		Timeout:    m.cfg.Timeout,
		Sampled:    m.random() < m.cfg.SampleRate,
	}
	m.session = next
	return *next
}

// afterRotation runs without m.mu held.
func (m *SessionManager) afterRotation(prev *Session, cur Session, now time.Time) {
	m.logger.Info("Started new session", map[string]interface{}{
		"session_id":  cur.ID,
		"previous_id": cur.PreviousID,
		"sampled":     cur.Sampled,
	})

	if prev != nil {
		end, ok := prev.EndTime(now)
		if !ok {
			end = now
		}
		m.publishSessionEvent(core.EventSessionEnd, *prev, end)
	}
	m.publishSessionEvent(core.EventSessionStart, cur, cur.StartTime)

	m.markDirty()
	m.obs.notify(Event{Kind: EventSessionRotated, Session: cur})
}

func (m *SessionManager) publishSessionEvent(name string, s Session, ts time.Time) {
	rec := core.NewLogRecord(name, "", attribute.String(core.AttrSessionID, s.ID))
	if s.PreviousID != "" {
		rec.Set(attribute.String(core.AttrSessionPreviousID, s.PreviousID))
	}
	rec.Timestamp = ts

	m.sinkMu.Lock()
	sink := m.sink
	if sink == nil {
		if len(m.queue) >= maxQueuedSessionEvents {
			m.sinkMu.Unlock()
			m.logger.Debug("Session event queue full, dropping event", map[string]interface{}{
				"event":      name,
				"session_id": s.ID,
			})
			return
		}
		m.queue = append(m.queue, rec)
		m.sinkMu.Unlock()
		return
	}
	m.sinkMu.Unlock()
	sink(rec)
}

// SetEventSink attaches the destination for session.start/session.end
// events and flushes any queued before it was attached.
func (m *SessionManager) SetEventSink(sink func(*core.Record)) {
	m.sinkMu.Lock()
	m.sink = sink
	queued := m.queue
	m.queue = nil
	m.sinkMu.Unlock()

	if sink == nil {
		return
	}
	for _, rec := range queued {
		sink(rec)
	}
}

// Subscribe registers fn for session rotations.
func (m *SessionManager) Subscribe(fn Observer) func() {
	return m.obs.subscribe(fn)
}

// Restore loads a session persisted by a previous process. It returns false
// when storage holds no complete session.
func (m *SessionManager) Restore(ctx context.Context) bool {
	if m.storage == nil {
		return false
	}

	get := func(key string) string {
		v, err := m.storage.Get(ctx, key)
		if err != nil {
			m.logger.Warn("Failed to read persisted session", map[string]interface{}{
				"key":   key,
				"error": err,
			})
			return ""
		}
		return v
	}

	id := get(core.KeySessionID)
	start, errStart := time.Parse(time.RFC3339Nano, get(core.KeySessionStartTime))
	expire, errExpire := time.Parse(time.RFC3339Nano, get(core.KeySessionExpireTime))
	timeout, errTimeout := time.ParseDuration(get(core.KeySessionTimeout))
	if id == "" || errStart != nil || errExpire != nil || errTimeout != nil {
		m.logger.Debug("No valid persisted session", nil)
		return false
	}
	sampled := true
	if v := get(core.KeySessionSampled); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			sampled = b
		}
	}

	restored := Session{
		ID:         id,
		PreviousID: get(core.KeySessionPreviousID),
		StartTime:  start,
		ExpireTime: expire,
		Timeout:    timeout,
		Sampled:    sampled,
	}

	m.mu.Lock()
	m.session = &restored
	m.mu.Unlock()

	m.saveMu.Lock()
	m.lastSaved = restored
	m.saveMu.Unlock()

	m.logger.Debug("Restored persisted session", map[string]interface{}{
		"session_id":  id,
		"previous_id": restored.PreviousID,
	})
	return true
}

// Start runs the background saver that persists rotations immediately and
// extensions every defaultSaveInterval.
func (m *SessionManager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.saveLoop(defaultSaveInterval)
	})
}

func (m *SessionManager) saveLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.dirty:
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = m.Save(ctx)
		cancel()
	}
}

func (m *SessionManager) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// Save persists the active session if it changed since the last save.
func (m *SessionManager) Save(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}
	cur, ok := m.PeekSession()
	if !ok {
		return nil
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if cur == m.lastSaved {
		return nil
	}

	values := []struct{ key, value string }{
		{core.KeySessionID, cur.ID},
		{core.KeySessionPreviousID, cur.PreviousID},
		{core.KeySessionStartTime, cur.StartTime.Format(time.RFC3339Nano)},
		{core.KeySessionExpireTime, cur.ExpireTime.Format(time.RFC3339Nano)},
		{core.KeySessionTimeout, cur.Timeout.String()},
		{core.KeySessionSampled, strconv.FormatBool(cur.Sampled)},
	}
	for _, kv := range values {
		if err := m.storage.Set(ctx, kv.key, kv.value, 0); err != nil {
			m.logger.Error("Failed to persist session", map[string]interface{}{
				"key":        kv.key,
				"error":      err,
				"error_type": core.ErrStorageWriteFailed.Error(),
			})
			return err
		}
	}
	m.lastSaved = cur
	return nil
}

// Stop ends the saver and performs a final save.
func (m *SessionManager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	return m.Save(ctx)
}
