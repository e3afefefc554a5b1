package rumagent

import (
	"context"
	"errors"
	"net/http"
	"sync"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/itsneelabh/rumagent/auth"
	"github.com/itsneelabh/rumagent/bridge"
	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/crash"
	"github.com/itsneelabh/rumagent/exporter"
	"github.com/itsneelabh/rumagent/processor"
	"github.com/itsneelabh/rumagent/storage"
	"github.com/itsneelabh/rumagent/stores"
	"github.com/itsneelabh/rumagent/telemetry"
)

type agentState int

const (
	stateNew agentState = iota
	stateStarting
	stateStarted
	stateShutdown
)

// Agent owns the context stores, the processor chain and the export
// pipeline. Create it with New, call Start once, emit records, and call
// Shutdown before the process exits.
type Agent struct {
	cfg     *core.Config
	logger  core.Logger
	metrics *telemetry.Recorder

	storage  core.Storage
	globals  *stores.GlobalAttributes
	sessions *stores.SessionManager
	screens  *stores.ScreenStore
	users    *stores.UserStore

	credentials *auth.CredentialCache
	client      *exporter.Client
	batcher     *processor.BatchProcessor
	chain       processor.Processor

	reporter *crash.FileReporter
	crashCtx *crash.ContextCache

	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider

	mu    sync.Mutex
	state agentState
}

// New builds an agent from defaults, RUM_* environment variables, an
// optional config file and opts. Nothing is sent until Start.
func New(opts ...core.Option) (*Agent, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds an agent from a validated configuration.
func NewWithConfig(cfg *core.Config) (*Agent, error) {
	if cfg == nil {
		return nil, &core.AgentError{Op: "rumagent.New", Kind: "config", Message: "configuration is nil", Err: core.ErrMissingConfiguration}
	}

	logger := cfg.Logger()
	if logger == nil {
		zl, err := core.NewProductionLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = zl
	}

	a := &Agent{
		cfg:     cfg,
		logger:  core.ComponentLogger(logger, "rumagent"),
		metrics: telemetry.NewRecorder(cfg.MeterProvider()),
		globals: stores.NewGlobalAttributes(),
		screens: stores.NewScreenStore(),
	}

	a.storage = cfg.StorageBackend()
	if a.storage == nil {
		kv, err := storage.New(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		a.storage = kv
	}
	a.sessions = stores.NewSessionManager(cfg.Session, a.storage, logger)
	a.users = stores.NewUserStore(a.storage, logger)

	transport, err := a.buildTransport(logger)
	if err != nil {
		_ = a.storage.Close()
		return nil, err
	}

	a.client = exporter.NewClient(exporter.ClientOptions{
		MaxRetries:           cfg.Retry.MaxRetries,
		RetryableStatusCodes: cfg.Retry.RetryableStatusCodes,
		BackoffUnit:          cfg.Retry.BackoffUnit,
		LocationPool:         cfg.Exporter.LocationPool,
		Transport:            transport,
		Logger:               logger,
		Metrics:              a.metrics,
	})

	res := exporter.NewResource(exporter.ResourceConfig{
		ServiceName:     cfg.ApplicationName,
		AppMonitorID:    cfg.AppMonitorID,
		AppMonitorAlias: cfg.AppMonitorAlias,
		SDKVersion:      Version,
	})
	exporters := exporter.Multi{
		exporter.NewLogExporter(a.client, exporter.ExporterOptions{
			URL:      cfg.LogsURL(),
			Resource: res,
			Compress: cfg.Exporter.Compression,
			Logger:   logger,
		}),
		exporter.NewSpanExporter(a.client, exporter.ExporterOptions{
			URL:      cfg.TracesURL(),
			Resource: res,
			Compress: cfg.Exporter.Compression,
			Logger:   logger,
		}),
	}
	if cfg.Debug {
		exporters = append(exporters, exporter.NewDebugExporter(cfg.DebugWriter(), res))
	}

	a.batcher = processor.NewBatchProcessor(exporters, processor.BatchOptions{
		MaxBatchSize:         cfg.Exporter.MaxBatchSize,
		MaxQueueSize:         cfg.Exporter.MaxQueueSize,
		BatchInterval:        cfg.Exporter.BatchInterval,
		ExportTimeout:        cfg.Exporter.ExportTimeout,
		MaxConcurrentExports: cfg.Exporter.MaxConcurrentExports,
		Logger:               logger,
		Metrics:              a.metrics,
	})
	a.chain = processor.Chain(a.batcher, logger,
		processor.NewSessionProcessor(a.sessions),
		processor.NewSessionSampler(a.sessions),
		processor.NewUserProcessor(a.users),
		processor.NewScreenProcessor(a.screens),
		processor.NewGlobalAttributesProcessor(a.globals),
	)

	if cfg.Crash.Enabled {
		reporter, err := crash.NewFileReporter(cfg.Crash.Directory, logger)
		if err != nil {
			a.logger.Error("Crash reporting disabled", map[string]interface{}{
				"directory": cfg.Crash.Directory,
				"error":     err,
			})
		} else {
			a.reporter = reporter
			a.crashCtx = crash.NewContextCache(reporter, a.sessions, a.screens, a.users, logger)
		}
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSpanProcessor(bridge.NewSpanProcessor(gate{a})),
		sdktrace.WithResource(res),
	}
	if cfg.Debug {
		se, err := stdouttrace.New(stdouttrace.WithWriter(cfg.DebugWriter()), stdouttrace.WithPrettyPrint())
		if err != nil {
			_ = a.storage.Close()
			return nil, &core.AgentError{Op: "rumagent.New", Kind: "config", Message: "failed to create debug span exporter", Err: err}
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(se))
	}
	a.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)
	a.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(bridge.NewLogProcessor(gate{a})),
		sdklog.WithResource(res),
	)
	return a, nil
}

// buildTransport wraps the base transport with request signing unless
// signing is disabled.
func (a *Agent) buildTransport(logger core.Logger) (http.RoundTripper, error) {
	base := a.cfg.Transport()
	if base == nil {
		base = cleanhttp.DefaultPooledTransport()
	}

	upstream := a.cfg.CredentialsProvider()
	if upstream == nil {
		p, err := auth.NewCredentialsProvider(context.Background(), a.cfg.Auth, a.cfg.Region)
		if err != nil {
			return nil, err
		}
		upstream = p
	}
	if upstream == nil {
		a.logger.Info("Request signing disabled", nil)
		return base, nil
	}

	a.credentials = auth.NewCredentialCache(upstream,
		auth.WithRefreshBuffer(a.cfg.Auth.RefreshBuffer),
		auth.WithCacheLogger(logger),
		auth.WithCacheMetrics(a.metrics),
	)
	return &auth.SigningTransport{
		Base:        base,
		Credentials: a.credentials,
		Signer:      auth.NewSigner(logger),
		Region:      a.cfg.Region,
		Service:     a.cfg.Exporter.ServiceName,
		Logger:      logger,
	}, nil
}

// Start recovers crash reports left by the previous process, restores the
// session and user identity, and begins mirroring context into the crash
// reporter. Crash events are emitted before any new telemetry.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case stateStarting, stateStarted:
		a.mu.Unlock()
		return core.ErrAlreadyStarted
	case stateShutdown:
		a.mu.Unlock()
		return core.ErrShutdown
	}
	a.state = stateStarting
	a.mu.Unlock()

	a.sessions.Restore(ctx)
	userID := a.users.Load(ctx)

	// Session events raised during recovery stay queued until the sink is
	// attached, so recovered crashes are the first records exported.
	if a.reporter != nil {
		recovery := crash.NewRecovery(crash.RecoveryOptions{
			Reporter:           a.reporter,
			Emit:               a.chain.OnRecord,
			MaxStackTraceBytes: a.cfg.Crash.MaxStackTraceBytes,
			Logger:             a.logger,
			Metrics:            a.metrics,
		})
		if _, err := recovery.Run(ctx); err != nil {
			a.logger.Error("Crash recovery failed", map[string]interface{}{
				"error": err,
			})
		}
	}

	a.sessions.SetEventSink(func(rec *core.Record) {
		a.chain.OnRecord(context.Background(), rec)
	})
	a.sessions.Start()
	// starting counts as activity, and the crash snapshot needs a session
	a.sessions.GetSession()
	if a.crashCtx != nil {
		a.crashCtx.Start()
	}

	a.mu.Lock()
	if a.state == stateStarting {
		a.state = stateStarted
	}
	a.mu.Unlock()

	a.logger.Info("Agent started", map[string]interface{}{
		"app_monitor_id": a.cfg.AppMonitorID,
		"logs_url":       a.cfg.LogsURL(),
		"traces_url":     a.cfg.TracesURL(),
		"user_id":        userID,
		"version":        Version,
	})
	return nil
}

// Emit sends rec through the processor chain. The agent owns rec afterwards.
// Records emitted before Start or after Shutdown are dropped.
func (a *Agent) Emit(ctx context.Context, rec *core.Record) {
	if rec == nil || !a.running() {
		return
	}
	a.chain.OnRecord(ctx, rec)
}

// EmitEvent emits a log event named name with attrs.
func (a *Agent) EmitEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	a.Emit(ctx, core.NewLogRecord(name, "", attrs...))
}

// gate forwards bridged records only while the agent is running.
type gate struct{ a *Agent }

func (g gate) OnRecord(ctx context.Context, rec *core.Record) { g.a.Emit(ctx, rec) }
func (g gate) Shutdown(context.Context) error { return nil }
func (g gate) ForceFlush(ctx context.Context) error { return g.a.chain.ForceFlush(ctx) }

func (a *Agent) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateStarted
}

// SetScreen records a screen transition. The crash context is updated
// before it returns.
func (a *Agent) SetScreen(name string) {
	a.screens.SetCurrent(name)
}

// SetGlobalAttribute adds or replaces an attribute stamped on every record.
func (a *Agent) SetGlobalAttribute(kv attribute.KeyValue) {
	a.globals.Set(string(kv.Key), kv.Value)
}

// RemoveGlobalAttribute removes a global attribute.
func (a *Agent) RemoveGlobalAttribute(key string) {
	a.globals.Remove(key)
}

// Session returns the active session, extending it.
func (a *Agent) Session() stores.Session {
	return a.sessions.GetSession()
}

// UserID returns the install-level user id, or "" before Start.
func (a *Agent) UserID() string {
	return a.users.ID()
}

// TracerProvider returns an otel tracer provider whose ended spans are
// enriched and exported by this agent.
func (a *Agent) TracerProvider() *sdktrace.TracerProvider {
	return a.tracerProvider
}

// LoggerProvider returns an otel logger provider whose records are enriched
// and exported by this agent.
func (a *Agent) LoggerProvider() *sdklog.LoggerProvider {
	return a.loggerProvider
}

// RecoverPanic stores a crash report for a panicking goroutine and
// re-panics. Use it as the first deferred call:
//
//	defer agent.RecoverPanic()
//
// The report is emitted as a device.crash event on the next Start.
func (a *Agent) RecoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	if a.reporter != nil {
		if _, err := crash.CapturePanic(a.reporter, r); err != nil {
			a.logger.Error("Failed to store crash report", map[string]interface{}{
				"error": err,
			})
		}
	}
	panic(r)
}

// Health reports export and crash recovery counters.
func (a *Agent) Health() telemetry.Health {
	return a.metrics.Health()
}

// HealthHandler serves Health as JSON.
func (a *Agent) HealthHandler() http.Handler {
	return http.HandlerFunc(a.metrics.HealthHandler)
}

// ForceFlush exports everything queued so far.
func (a *Agent) ForceFlush(ctx context.Context) error {
	return a.chain.ForceFlush(ctx)
}

// Shutdown stops the export client from scheduling retries, drains queued
// records within ctx's deadline with a single attempt per batch, persists
// the session and closes storage. Calling it more than once returns nil.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.state == stateShutdown {
		a.mu.Unlock()
		return nil
	}
	a.state = stateShutdown
	a.mu.Unlock()

	// queued batches get one attempt each from here on
	a.client.StopRetries()

	var errs []error
	if err := a.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.loggerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// the batcher shuts its exporters down, and with them the client
	if err := a.chain.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.client.Shutdown()

	if a.crashCtx != nil {
		a.crashCtx.Stop()
	}
	if err := a.sessions.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.storage.Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	fields := map[string]interface{}{"dropped": a.batcher.Dropped()}
	if err != nil {
		fields["error"] = err
		a.logger.Warn("Agent shut down with errors", fields)
	} else {
		a.logger.Info("Agent shut down", fields)
	}
	return err
}
