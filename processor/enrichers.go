package processor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/stores"
)

// GlobalAttributesProcessor stamps every global attribute the record does not
// already carry.
type GlobalAttributesProcessor struct {
	attrs *stores.GlobalAttributes
}

func NewGlobalAttributesProcessor(attrs *stores.GlobalAttributes) *GlobalAttributesProcessor {
	return &GlobalAttributesProcessor{attrs: attrs}
}

func (p *GlobalAttributesProcessor) Name() string { return "global_attributes" }

func (p *GlobalAttributesProcessor) Process(_ context.Context, rec *core.Record) bool {
	for _, kv := range p.attrs.GetAll() {
		rec.SetIfAbsent(kv)
	}
	return true
}

// SessionProcessor stamps session.id and, when set, session.previous_id.
// A record that already carries session.id is left untouched.
// Reading the session counts as activity and may rotate it.
type SessionProcessor struct {
	sessions *stores.SessionManager
}

func NewSessionProcessor(sessions *stores.SessionManager) *SessionProcessor {
	return &SessionProcessor{sessions: sessions}
}

func (p *SessionProcessor) Name() string { return "session" }

func (p *SessionProcessor) Process(_ context.Context, rec *core.Record) bool {
	s := p.sessions.GetSession()
	// a record that already names its session keeps that session's lineage
	if s.ID == "" || !rec.SetIfAbsent(attribute.String(core.AttrSessionID, s.ID)) {
		return true
	}
	if s.PreviousID != "" {
		rec.SetIfAbsent(attribute.String(core.AttrSessionPreviousID, s.PreviousID))
	}
	return true
}

// SessionSampler drops records of sessions that were not sampled.
type SessionSampler struct {
	sessions *stores.SessionManager
}

func NewSessionSampler(sessions *stores.SessionManager) *SessionSampler {
	return &SessionSampler{sessions: sessions}
}

func (p *SessionSampler) Name() string { return "session_sampler" }

func (p *SessionSampler) Process(_ context.Context, _ *core.Record) bool {
	return p.sessions.IsSampled()
}

// UserProcessor stamps user.id once the identity is loaded.
type UserProcessor struct {
	users *stores.UserStore
}

func NewUserProcessor(users *stores.UserStore) *UserProcessor {
	return &UserProcessor{users: users}
}

func (p *UserProcessor) Name() string { return "user" }

func (p *UserProcessor) Process(_ context.Context, rec *core.Record) bool {
	if id := p.users.ID(); id != "" {
		rec.SetIfAbsent(attribute.String(core.AttrUserID, id))
	}
	return true
}

// ScreenProcessor stamps screen.name when a screen is current.
type ScreenProcessor struct {
	screens *stores.ScreenStore
}

func NewScreenProcessor(screens *stores.ScreenStore) *ScreenProcessor {
	return &ScreenProcessor{screens: screens}
}

func (p *ScreenProcessor) Name() string { return "screen" }

func (p *ScreenProcessor) Process(_ context.Context, rec *core.Record) bool {
	if name := p.screens.Current(); name != "" {
		rec.SetIfAbsent(attribute.String(core.AttrScreenName, name))
	}
	return true
}
