package core

import "time"

// Attribute keys stamped on telemetry records
const (
	AttrSessionID         = "session.id"
	AttrSessionPreviousID = "session.previous_id"
	AttrUserID            = "user.id"
	AttrScreenName        = "screen.name"
	AttrEventName         = "event.name"

	// Crash events
	AttrRecoveredContext    = "recovered_context"
	AttrExceptionType       = "exception.type"
	AttrExceptionMessage    = "exception.message"
	AttrExceptionStacktrace = "exception.stacktrace"

	// Resource
	AttrAppMonitorID    = "aws.rum.appmonitor.id"
	AttrAppMonitorAlias = "aws.rum.appmonitor.alias"
	AttrSDKVersion      = "rum.sdk.version"
)

// Event names
const (
	EventSessionStart = "session.start"
	EventSessionEnd   = "session.end"
	EventCrash        = "device.crash"
)

// Storage keys for persisted context
const (
	KeyUserID            = "aws-rum-user-id"
	KeySessionID         = "aws-rum-session-id"
	KeySessionPreviousID = "aws-rum-session-previous-id"
	KeySessionExpireTime = "aws-rum-session-expire-time"
	KeySessionStartTime  = "aws-rum-session-start-time"
	KeySessionTimeout    = "aws-rum-session-timeout"
	KeySessionSampled    = "aws-rum-session-sampled"
)

// Defaults
const (
	DefaultServiceName          = "rum"
	DefaultEndpointTemplate     = "https://dataplane.rum.%s.amazonaws.com"
	DefaultMaxRetries           = 3
	DefaultRefreshBuffer        = 10 * time.Second
	DefaultMaxBatchSize         = 100
	DefaultMaxQueueSize         = 1048
	DefaultBatchInterval        = 5 * time.Second
	DefaultExportTimeout        = 30 * time.Second
	DefaultMaxConcurrentExports = 2
	DefaultSessionTimeout       = 30 * time.Minute
	DefaultMaxStackTraceBytes   = 30 * 1024
	DefaultMaxBackoff           = 60 * time.Second

	// Environment variable prefix for envconfig
	EnvPrefix = "RUM"
)

// DefaultRetryableStatusCodes is the status set retried by the export client.
func DefaultRetryableStatusCodes() []int {
	return []int{429, 500, 502, 503, 504}
}
