// Package rumagent is a real-user-monitoring telemetry agent. It stamps
// every span and log event with session, user, screen and global context,
// batches them and delivers them as signed OTLP/HTTP requests with bounded
// retries. Context is mirrored into a crash reporter so that a crash is
// reported with the session it happened in on the next start.
//
// Most users need only this package:
//
//	agent, err := rumagent.New(
//		rumagent.WithRegion("us-east-1"),
//		rumagent.WithAppMonitor("app-monitor-id", ""),
//	)
//	if err != nil {
//		return err
//	}
//	if err := agent.Start(ctx); err != nil {
//		return err
//	}
//	defer agent.Shutdown(context.Background())
//
// The subpackages can be composed directly for custom pipelines.
package rumagent

import (
	"context"

	"github.com/itsneelabh/rumagent/core"
)

// Re-export configuration options
var (
	NewConfig     = core.NewConfig
	DefaultConfig = core.DefaultConfig

	WithConfigFile           = core.WithConfigFile
	WithAppMonitor           = core.WithAppMonitor
	WithApplicationName      = core.WithApplicationName
	WithRegion               = core.WithRegion
	WithEndpoint             = core.WithEndpoint
	WithExportOverride       = core.WithExportOverride
	WithServiceName          = core.WithServiceName
	WithMaxRetries           = core.WithMaxRetries
	WithRetryableStatusCodes = core.WithRetryableStatusCodes
	WithBackoffUnit          = core.WithBackoffUnit
	WithRefreshBuffer        = core.WithRefreshBuffer
	WithStaticCredentials    = core.WithStaticCredentials
	WithWebIdentity          = core.WithWebIdentity
	WithoutSigning           = core.WithoutSigning
	WithBatching             = core.WithBatching
	WithCompression          = core.WithCompression
	WithSessionTimeout       = core.WithSessionTimeout
	WithSessionSampleRate    = core.WithSessionSampleRate
	WithCrashDirectory       = core.WithCrashDirectory
	WithoutCrashReporting    = core.WithoutCrashReporting
	WithSQLiteStorage        = core.WithSQLiteStorage
	WithRedisStorage         = core.WithRedisStorage
	WithLogLevel             = core.WithLogLevel
	WithLogFormat            = core.WithLogFormat
	WithLogger               = core.WithLogger
	WithMeterProvider        = core.WithMeterProvider
	WithTransport            = core.WithTransport
	WithCredentialsProvider  = core.WithCredentialsProvider
	WithStorageBackend       = core.WithStorageBackend
	WithDebug                = core.WithDebug
	WithDebugWriter          = core.WithDebugWriter
)

// Run starts an agent built from opts, waits for ctx to be cancelled and
// shuts it down using shutdownCtx.
func Run(ctx, shutdownCtx context.Context, opts ...Option) error {
	agent, err := New(opts...)
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		_ = agent.Shutdown(shutdownCtx)
		return err
	}
	<-ctx.Done()
	return agent.Shutdown(shutdownCtx)
}
