package rumagent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/crash"
	"github.com/itsneelabh/rumagent/storage"
)

// collectorServer accepts OTLP requests on /v1/logs and /v1/traces.
type collectorServer struct {
	*httptest.Server

	mu      sync.Mutex
	logs    []*logspb.LogRecord
	spans   []*tracepb.Span
	headers []http.Header
}

func newCollectorServer(t *testing.T) *collectorServer {
	t.Helper()
	c := &collectorServer{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.headers = append(c.headers, r.Header.Clone())

		switch r.URL.Path {
		case "/v1/logs":
			var req collogspb.ExportLogsServiceRequest
			if err := proto.Unmarshal(body, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for _, rl := range req.ResourceLogs {
				for _, sl := range rl.ScopeLogs {
					c.logs = append(c.logs, sl.LogRecords...)
				}
			}
		case "/v1/traces":
			var req coltracepb.ExportTraceServiceRequest
			if err := proto.Unmarshal(body, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for _, rs := range req.ResourceSpans {
				for _, ss := range rs.ScopeSpans {
					c.spans = append(c.spans, ss.Spans...)
				}
			}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *collectorServer) options() []Option {
	return []Option{
		WithRegion("us-east-1"),
		WithAppMonitor("monitor-1", "web"),
		WithExportOverride(c.URL+"/v1/logs", c.URL+"/v1/traces"),
		WithCompression(false),
		WithBatching(50, 500, time.Hour),
		WithBackoffUnit(time.Millisecond),
		WithLogger(&core.NoOpLogger{}),
		WithStorageBackend(storage.NewMemoryStore()),
	}
}

func (c *collectorServer) logNamed(name string) *logspb.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lr := range c.logs {
		if lr.EventName == name {
			return lr
		}
	}
	return nil
}

func (c *collectorServer) logNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.logs))
	for _, lr := range c.logs {
		names = append(names, lr.EventName)
	}
	return names
}

func attr(kvs []*commonpb.KeyValue, key string) *commonpb.AnyValue {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value
		}
	}
	return nil
}

func startAgent(t *testing.T, opts ...Option) *Agent {
	t.Helper()
	agent, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, agent.Start(context.Background()))
	t.Cleanup(func() { _ = agent.Shutdown(context.Background()) })
	return agent
}

func TestAgent_EmitsEnrichedEvents(t *testing.T) {
	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithoutCrashReporting())...)

	agent.SetScreen("home")
	agent.SetGlobalAttribute(attribute.String("app.version", "2.0.0"))
	agent.SetGlobalAttribute(attribute.String("tier", "free"))
	agent.RemoveGlobalAttribute("tier")
	agent.EmitEvent(context.Background(), "button.tap", attribute.String("button", "buy"))
	require.NoError(t, agent.ForceFlush(context.Background()))

	tap := srv.logNamed("button.tap")
	require.NotNil(t, tap)
	session := agent.Session()
	assert.Equal(t, session.ID, attr(tap.Attributes, core.AttrSessionID).GetStringValue())
	assert.Equal(t, agent.UserID(), attr(tap.Attributes, core.AttrUserID).GetStringValue())
	assert.Equal(t, "home", attr(tap.Attributes, core.AttrScreenName).GetStringValue())
	assert.Equal(t, "2.0.0", attr(tap.Attributes, "app.version").GetStringValue())
	assert.Nil(t, attr(tap.Attributes, "tier"))
	assert.Equal(t, "buy", attr(tap.Attributes, "button").GetStringValue())

	start := srv.logNamed(EventSessionStart)
	require.NotNil(t, start)
	assert.Equal(t, session.ID, attr(start.Attributes, core.AttrSessionID).GetStringValue())

	h := agent.Health()
	assert.GreaterOrEqual(t, h.Delivered, int64(1))
	assert.Zero(t, h.Failed)
}

func TestAgent_BridgesOtelProviders(t *testing.T) {
	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithoutCrashReporting())...)
	agent.SetScreen("cart")

	_, span := agent.TracerProvider().Tracer("checkout").Start(context.Background(), "load cart")
	span.End()
	require.NoError(t, agent.ForceFlush(context.Background()))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.spans, 1)
	assert.Equal(t, "load cart", srv.spans[0].Name)
	assert.Equal(t, "cart", attr(srv.spans[0].Attributes, core.AttrScreenName).GetStringValue())
	assert.NotNil(t, attr(srv.spans[0].Attributes, core.AttrSessionID))
}

// lockedBuffer is written by the span batcher and the log batch processor
// from different goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgent_DebugWritesSpansAndLogs(t *testing.T) {
	srv := newCollectorServer(t)
	var out lockedBuffer
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithoutCrashReporting(), WithDebugWriter(&out))...)

	_, span := agent.TracerProvider().Tracer("checkout").Start(context.Background(), "load cart")
	span.End()
	agent.EmitEvent(context.Background(), "button.tap")
	require.NoError(t, agent.Shutdown(context.Background()))

	got := out.String()
	assert.Contains(t, got, "load cart")
	assert.Contains(t, got, "button.tap")
	assert.NotNil(t, srv.logNamed("button.tap"))
	srv.mu.Lock()
	assert.Len(t, srv.spans, 1)
	srv.mu.Unlock()
}

func TestAgent_SignsRequests(t *testing.T) {
	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(),
		WithStaticCredentials("AKIDEXAMPLE", "secret", "token"),
		WithoutCrashReporting(),
	)...)

	agent.EmitEvent(context.Background(), "signed")
	require.NoError(t, agent.ForceFlush(context.Background()))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.headers)
	h := srv.headers[0]
	assert.True(t, strings.HasPrefix(h.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"), h.Get("Authorization"))
	assert.Contains(t, h.Get("Authorization"), "/us-east-1/rum/aws4_request")
	assert.Equal(t, "token", h.Get("X-Amz-Security-Token"))
	assert.NotEmpty(t, h.Get("X-Forwarded-For"))
}

func TestAgent_RecoversCrashOnStart(t *testing.T) {
	dir := t.TempDir()
	reporter, err := crash.NewFileReporter(dir, nil)
	require.NoError(t, err)
	contextAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := crash.Snapshot{SessionID: "crashed-session", UserID: "u-1", ScreenName: "checkout", CapturedAt: contextAt}
	require.NoError(t, reporter.SetMetadata(snap.Metadata()))
	id, err := reporter.WriteReport("panic: nil map\n\ngoroutine 1 [running]:\nmain.main()")
	require.NoError(t, err)
	stored, err := reporter.Report(context.Background(), id)
	require.NoError(t, err)
	crashedAt := stored.CreatedAt

	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithCrashDirectory(dir))...)
	require.NoError(t, agent.ForceFlush(context.Background()))

	names := srv.logNames()
	require.NotEmpty(t, names)
	assert.Equal(t, EventCrash, names[0])

	ev := srv.logNamed(EventCrash)
	require.NotNil(t, ev)
	assert.Equal(t, uint64(crashedAt.UnixNano()), ev.TimeUnixNano)
	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_FATAL, ev.SeverityNumber)
	assert.Equal(t, "crashed-session", attr(ev.Attributes, core.AttrSessionID).GetStringValue())
	assert.Nil(t, attr(ev.Attributes, core.AttrSessionPreviousID))
	assert.Equal(t, "checkout", attr(ev.Attributes, core.AttrScreenName).GetStringValue())
	assert.True(t, attr(ev.Attributes, core.AttrRecoveredContext).GetBoolValue())
	assert.Equal(t, "panic: nil map", attr(ev.Attributes, core.AttrExceptionMessage).GetStringValue())

	ids, err := reporter.ReportIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int64(1), agent.Health().CrashesRecovered)

	// the live context replaced the crashed one
	agent.SetScreen("home")
	reopened, err := crash.NewFileReporter(dir, nil)
	require.NoError(t, err)
	md := reopened.Metadata()
	assert.Equal(t, "home", md[crash.MetaScreenName])
	assert.Equal(t, agent.Session().ID, md[crash.MetaSessionID])
}

func TestAgent_UnrecoveredCrashTakesLiveContext(t *testing.T) {
	dir := t.TempDir()
	reporter, err := crash.NewFileReporter(dir, nil)
	require.NoError(t, err)
	// no metadata was ever cached
	_, err = reporter.WriteReport("panic: early\n\ngoroutine 1 [running]:\nmain.main()")
	require.NoError(t, err)

	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithCrashDirectory(dir))...)
	require.NoError(t, agent.ForceFlush(context.Background()))

	ev := srv.logNamed(EventCrash)
	require.NotNil(t, ev)
	require.NotNil(t, attr(ev.Attributes, core.AttrRecoveredContext))
	assert.False(t, attr(ev.Attributes, core.AttrRecoveredContext).GetBoolValue())
	assert.Equal(t, agent.Session().ID, attr(ev.Attributes, core.AttrSessionID).GetStringValue())
	assert.Equal(t, agent.UserID(), attr(ev.Attributes, core.AttrUserID).GetStringValue())
	assert.Equal(t, int64(1), agent.Health().CrashesUnrecovered)
}

func TestAgent_RecoverPanicStoresReport(t *testing.T) {
	dir := t.TempDir()
	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithCrashDirectory(dir))...)
	agent.SetScreen("settings")

	assert.PanicsWithValue(t, "boom", func() {
		defer agent.RecoverPanic()
		panic("boom")
	})

	reporter, err := crash.NewFileReporter(dir, nil)
	require.NoError(t, err)
	ids, err := reporter.ReportIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	report, err := reporter.Report(context.Background(), ids[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.Trace, "panic: boom"))
	assert.Equal(t, "settings", report.Metadata[crash.MetaScreenName])
	assert.Equal(t, agent.Session().ID, report.Metadata[crash.MetaSessionID])
}

func TestAgent_Lifecycle(t *testing.T) {
	srv := newCollectorServer(t)
	agent, err := New(append(srv.options(), WithoutSigning(), WithoutCrashReporting())...)
	require.NoError(t, err)

	// dropped before Start
	agent.EmitEvent(context.Background(), "early")

	ctx := context.Background()
	require.NoError(t, agent.Start(ctx))
	assert.ErrorIs(t, agent.Start(ctx), core.ErrAlreadyStarted)

	require.NoError(t, agent.ForceFlush(ctx))
	assert.Nil(t, srv.logNamed("early"))

	require.NoError(t, agent.Shutdown(ctx))
	require.NoError(t, agent.Shutdown(ctx))
	assert.ErrorIs(t, agent.Start(ctx), core.ErrShutdown)

	// dropped after Shutdown
	agent.EmitEvent(ctx, "late")
	assert.Nil(t, srv.logNamed("late"))
}

func TestAgent_ShutdownDrainsQueue(t *testing.T) {
	srv := newCollectorServer(t)
	agent, err := New(append(srv.options(), WithoutSigning(), WithoutCrashReporting())...)
	require.NoError(t, err)
	require.NoError(t, agent.Start(context.Background()))

	for i := 0; i < 10; i++ {
		agent.EmitEvent(context.Background(), "queued")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Shutdown(ctx))

	count := 0
	for _, name := range srv.logNames() {
		if name == "queued" {
			count++
		}
	}
	assert.Equal(t, 10, count)
}

func TestAgent_ShutdownGivesQueuedBatchesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	unavailable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unavailable.Close()

	agent, err := New(
		WithRegion("us-east-1"),
		WithAppMonitor("monitor-1", "web"),
		WithExportOverride(unavailable.URL+"/v1/logs", unavailable.URL+"/v1/traces"),
		WithBatching(50, 500, time.Hour),
		WithMaxRetries(3),
		WithBackoffUnit(200*time.Millisecond),
		WithLogger(&core.NoOpLogger{}),
		WithStorageBackend(storage.NewMemoryStore()),
		WithoutSigning(),
		WithoutCrashReporting(),
	)
	require.NoError(t, err)
	require.NoError(t, agent.Start(context.Background()))

	for i := 0; i < 5; i++ {
		agent.EmitEvent(context.Background(), "queued")
	}

	start := time.Now()
	require.NoError(t, agent.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	// one log batch, no spans, no retries
	assert.Equal(t, int32(1), calls.Load())
	h := agent.Health()
	assert.Equal(t, int64(1), h.Rejected)
	assert.Zero(t, h.Failed)
}

func TestAgent_PersistsIdentityAcrossRestarts(t *testing.T) {
	srv := newCollectorServer(t)
	kv := storage.NewMemoryStore()
	opts := append(srv.options(), WithoutSigning(), WithoutCrashReporting(), WithStorageBackend(kv))

	first, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	userID := first.UserID()
	sessionID := first.Session().ID
	require.NoError(t, first.Shutdown(context.Background()))

	second := startAgent(t, opts...)
	assert.Equal(t, userID, second.UserID())
	assert.Equal(t, sessionID, second.Session().ID)
}

func TestNew_InvalidConfiguration(t *testing.T) {
	_, err := New(WithLogger(&core.NoOpLogger{}), WithSessionSampleRate(2), WithRegion("us-east-1"))
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	_, err = NewWithConfig(nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestAgent_HealthHandler(t *testing.T) {
	srv := newCollectorServer(t)
	agent := startAgent(t, append(srv.options(), WithoutSigning(), WithoutCrashReporting())...)

	rec := httptest.NewRecorder()
	agent.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "export_attempts")
}
