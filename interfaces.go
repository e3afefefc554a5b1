package rumagent

import "github.com/itsneelabh/rumagent/core"

// Type aliases so callers rarely need to import core
type (
	Config   = core.Config
	Option   = core.Option
	Logger   = core.Logger
	Record   = core.Record
	Severity = core.Severity
	Storage  = core.Storage
)

// Well-known attribute keys and event names
const (
	AttrSessionID         = core.AttrSessionID
	AttrSessionPreviousID = core.AttrSessionPreviousID
	AttrUserID            = core.AttrUserID
	AttrScreenName        = core.AttrScreenName

	EventSessionStart = core.EventSessionStart
	EventSessionEnd   = core.EventSessionEnd
	EventCrash        = core.EventCrash
)

// NewLogRecord creates a log event record.
var NewLogRecord = core.NewLogRecord
