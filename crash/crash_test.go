package crash

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/storage"
	"github.com/itsneelabh/rumagent/stores"
	"github.com/itsneelabh/rumagent/telemetry"
)

const appleTrace = `Incident Identifier: 5A1C
Hardware Model:      iPhone15,2

Thread 0 Crashed:
0   libswiftCore.dylib            0x000000019ed5c8c4 $ss17_assertionFailure + 172
1   MyApp                         0x0000000100a1b2c4 main + 88

Thread 1:
0   libsystem_kernel.dylib        0x00000001dc4b2a28 mach_msg_trap + 8`

type recorder struct {
	mu   sync.Mutex
	recs []*core.Record
}

func (r *recorder) emit(ctx context.Context, rec *core.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) all() []*core.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Record(nil), r.recs...)
}

// failingReporter rejects metadata writes and deletes.
type failingReporter struct {
	*FileReporter
}

func (f failingReporter) SetMetadata(md map[string]string) error {
	return core.ErrStorageWriteFailed
}

func (f failingReporter) DeleteReport(ctx context.Context, id string) error {
	return errors.New("read-only filesystem")
}

func newReporter(t *testing.T) *FileReporter {
	t.Helper()
	r, err := NewFileReporter(t.TempDir(), &core.NoOpLogger{})
	require.NoError(t, err)
	return r
}

func TestFileReporter_MetadataPersists(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, dir, r.Dir())
	assert.Nil(t, r.Metadata())

	require.NoError(t, r.SetMetadata(map[string]string{MetaSessionID: "s-1"}))
	require.NoError(t, r.SetMetadata(map[string]string{MetaSessionID: "s-2"}))

	// no temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), e.Name())
	}

	reopened, err := NewFileReporter(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{MetaSessionID: "s-2"}, reopened.Metadata())
}

func TestFileReporter_CorruptMetadataIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFile), []byte("{not json"), 0o600))

	r, err := NewFileReporter(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	assert.Nil(t, r.Metadata())
}

func TestFileReporter_EmptyDir(t *testing.T) {
	_, err := NewFileReporter("", nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestFileReporter_ReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newReporter(t)
	require.NoError(t, r.SetMetadata(map[string]string{MetaSessionID: "s-1"}))

	first, err := r.WriteReport("trace one")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := r.WriteReport("trace two")
	require.NoError(t, err)

	ids, err := r.ReportIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids)

	report, err := r.Report(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, report.ID)
	assert.Equal(t, "trace one", report.Trace)
	assert.Equal(t, "s-1", report.Metadata[MetaSessionID])

	require.NoError(t, r.DeleteReport(ctx, first))
	require.NoError(t, r.DeleteReport(ctx, first))
	_, err = r.Report(ctx, first)
	assert.ErrorIs(t, err, core.ErrReportNotFound)

	ids, err = r.ReportIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second}, ids)
}

func TestFileReporter_SalvagesTraceWithBadMetadata(t *testing.T) {
	ctx := context.Background()
	r := newReporter(t)
	raw := `{"id":"r1","metadata":{"session.id":42},"trace":"boom"}`
	require.NoError(t, os.WriteFile(r.reportPath("r1"), []byte(raw), 0o600))

	report, err := r.Report(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "boom", report.Trace)
	assert.Nil(t, report.Metadata)

	require.NoError(t, os.WriteFile(r.reportPath("r2"), []byte("garbage"), 0o600))
	_, err = r.Report(ctx, "r2")
	assert.ErrorIs(t, err, core.ErrCrashMetadataCorrupt)
}

func TestParseSnapshot(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{SessionID: "s", PreviousSessionID: "p", UserID: "u", ScreenName: "home", CapturedAt: at}

	parsed, err := ParseSnapshot(snap.Metadata())
	require.NoError(t, err)
	assert.Equal(t, snap, parsed)

	tests := []struct {
		name string
		md   map[string]string
	}{
		{"nil", nil},
		{"no session", map[string]string{MetaTimestamp: at.Format(time.RFC3339Nano)}},
		{"no timestamp", map[string]string{MetaSessionID: "s"}},
		{"bad timestamp", map[string]string{MetaSessionID: "s", MetaTimestamp: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSnapshot(tt.md)
			assert.ErrorIs(t, err, core.ErrCrashMetadataCorrupt)
		})
	}
}

func TestSnapshot_MetadataOmitsEmpty(t *testing.T) {
	md := Snapshot{SessionID: "s", CapturedAt: time.Now()}.Metadata()
	assert.Contains(t, md, MetaSessionID)
	assert.Contains(t, md, MetaTimestamp)
	assert.NotContains(t, md, MetaUserID)
	assert.NotContains(t, md, MetaScreenName)
}

type fixture struct {
	sessions *stores.SessionManager
	screens  *stores.ScreenStore
	users    *stores.UserStore
}

func newFixture() fixture {
	mem := storage.NewMemoryStore()
	return fixture{
		sessions: stores.NewSessionManager(core.SessionConfig{SampleRate: 1}, mem, nil),
		screens:  stores.NewScreenStore(),
		users:    stores.NewUserStore(mem, nil),
	}
}

func TestContextCache_WritesBeforeSetterReturns(t *testing.T) {
	r := newReporter(t)
	f := newFixture()
	cache := NewContextCache(r, f.sessions, f.screens, f.users, nil)
	cache.Start()
	defer cache.Stop()

	userID := f.users.Load(context.Background())
	assert.Equal(t, userID, r.Metadata()[MetaUserID])

	session := f.sessions.GetSession()
	assert.Equal(t, session.ID, r.Metadata()[MetaSessionID])

	f.screens.SetCurrent("checkout")
	md := r.Metadata()
	assert.Equal(t, "checkout", md[MetaScreenName])
	assert.Equal(t, session.ID, md[MetaSessionID])
	assert.Equal(t, userID, md[MetaUserID])

	next := f.sessions.Rotate()
	md = r.Metadata()
	assert.Equal(t, next.ID, md[MetaSessionID])
	assert.Equal(t, session.ID, md[MetaSessionPreviousID])
	assert.Equal(t, "checkout", cache.Last().ScreenName)

	cache.Stop()
	f.screens.SetCurrent("cart")
	assert.Equal(t, "checkout", r.Metadata()[MetaScreenName])
}

func TestContextCache_OutOfOrderEventsKeepLatestScreen(t *testing.T) {
	r := newReporter(t)
	f := newFixture()

	// stall delivery of the first transition behind an earlier observer
	entered := make(chan struct{})
	release := make(chan struct{})
	unsub := f.screens.Subscribe(func(ev stores.Event) {
		if ev.Screen.Current == "a" {
			close(entered)
			<-release
		}
	})
	defer unsub()

	cache := NewContextCache(r, f.sessions, f.screens, f.users, nil)
	cache.Start()
	defer cache.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.screens.SetCurrent("a")
	}()
	<-entered
	f.screens.SetCurrent("b")
	assert.Equal(t, "b", r.Metadata()[MetaScreenName])

	close(release)
	<-done

	assert.Equal(t, "b", f.screens.Current())
	assert.Equal(t, "b", r.Metadata()[MetaScreenName])
	assert.Equal(t, "b", cache.Last().ScreenName)
}

func TestContextCache_WriteFailureIsLogged(t *testing.T) {
	f := newFixture()
	cache := NewContextCache(failingReporter{newReporter(t)}, f.sessions, f.screens, f.users, nil)
	cache.Start()
	defer cache.Stop()

	assert.NotPanics(t, func() { f.screens.SetCurrent("home") })
	assert.Equal(t, Snapshot{}, cache.Last())
}

func TestRecovery_RecoveredContext(t *testing.T) {
	ctx := context.Background()
	r := newReporter(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{SessionID: "s-1", PreviousSessionID: "s-0", UserID: "u-1", ScreenName: "home", CapturedAt: at}
	require.NoError(t, r.SetMetadata(snap.Metadata()))
	id, err := r.WriteReport(appleTrace)
	require.NoError(t, err)
	stored, err := r.Report(ctx, id)
	require.NoError(t, err)
	require.False(t, stored.CreatedAt.IsZero())

	out := &recorder{}
	metrics := telemetry.NewRecorder(nil)
	results, err := NewRecovery(RecoveryOptions{Reporter: r, Emit: out.emit, Metrics: metrics}).Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateDeleted, results[0].State)
	assert.True(t, results[0].RecoveredContext)
	assert.NoError(t, results[0].Err)

	recs := out.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, core.EventCrash, rec.Name)
	assert.Equal(t, core.SeverityFatal, rec.Severity)
	// stamped with the crash, not the last context change
	assert.True(t, stored.CreatedAt.Equal(rec.Timestamp), "timestamp %v", rec.Timestamp)
	assert.False(t, at.Equal(rec.Timestamp))
	assert.Equal(t, "s-1", rec.Str(core.AttrSessionID))
	assert.Equal(t, "s-0", rec.Str(core.AttrSessionPreviousID))
	assert.Equal(t, "u-1", rec.Str(core.AttrUserID))
	assert.Equal(t, "home", rec.Str(core.AttrScreenName))
	assert.Equal(t, "crash", rec.Str(core.AttrExceptionType))
	assert.Equal(t, "Crash detected on thread 0 at libswiftCore.dylib 0x000000019ed5c8c4 $ss17_assertionFailure + 172", rec.Str(core.AttrExceptionMessage))
	assert.Equal(t, appleTrace, rec.Str(core.AttrExceptionStacktrace))
	v, ok := rec.Get(core.AttrRecoveredContext)
	require.True(t, ok)
	assert.True(t, v.AsBool())

	ids, err := r.ReportIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int64(1), metrics.Health().CrashesRecovered)
}

func TestRecovery_UnrecoveredContext(t *testing.T) {
	ctx := context.Background()
	r := newReporter(t)
	_, err := r.WriteReport("panic: boom\n\ngoroutine 1 [running]:\nmain.main()")
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	out := &recorder{}
	metrics := telemetry.NewRecorder(nil)
	results, err := NewRecovery(RecoveryOptions{
		Reporter: r,
		Emit:     out.emit,
		Metrics:  metrics,
		Now:      func() time.Time { return now },
	}).Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].RecoveredContext)

	recs := out.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, now, rec.Timestamp)
	assert.False(t, rec.Has(core.AttrSessionID))
	assert.Equal(t, "panic: boom", rec.Str(core.AttrExceptionMessage))
	v, ok := rec.Get(core.AttrRecoveredContext)
	require.True(t, ok)
	assert.False(t, v.AsBool())
	assert.Equal(t, int64(1), metrics.Health().CrashesUnrecovered)
}

func TestRecovery_TruncatesStackTrace(t *testing.T) {
	r := newReporter(t)
	long := appleTrace + "\n" + strings.Repeat("9   Filler 0x0 frame\n", 200)
	_, err := r.WriteReport(long)
	require.NoError(t, err)

	out := &recorder{}
	_, err = NewRecovery(RecoveryOptions{Reporter: r, Emit: out.emit, MaxStackTraceBytes: 256}).Run(context.Background())
	require.NoError(t, err)

	rec := out.all()[0]
	stack := rec.Str(core.AttrExceptionStacktrace)
	assert.Len(t, stack, 256)
	assert.True(t, strings.HasPrefix(stack, "Thread 0 Crashed:\n0   libswiftCore.dylib"))
	// message comes from the full trace
	assert.Contains(t, rec.Str(core.AttrExceptionMessage), "thread 0")
}

// memReporter serves reports from memory and records deletions.
type memReporter struct {
	reports map[string]*Report
	loadErr map[string]error
	deleted []string
}

func (m *memReporter) SetMetadata(map[string]string) error { return nil }

func (m *memReporter) ReportIDs(context.Context) ([]string, error) {
	var ids []string
	for id := range m.reports {
		ids = append(ids, id)
	}
	for id := range m.loadErr {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memReporter) Report(_ context.Context, id string) (*Report, error) {
	if err := m.loadErr[id]; err != nil {
		return nil, err
	}
	return m.reports[id], nil
}

func (m *memReporter) DeleteReport(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	delete(m.reports, id)
	delete(m.loadErr, id)
	return nil
}

func TestRecovery_SnapshotTimeWhenReportHasNone(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{SessionID: "s-1", CapturedAt: at}
	m := &memReporter{reports: map[string]*Report{
		"r1": {ID: "r1", Metadata: snap.Metadata(), Trace: "panic: boom"},
	}}

	out := &recorder{}
	_, err := NewRecovery(RecoveryOptions{Reporter: m, Emit: out.emit}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out.all(), 1)
	assert.True(t, at.Equal(out.all()[0].Timestamp))
}

func TestRecovery_LoadFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantDeleted bool
	}{
		{"transient read error", errors.New("too many open files"), false},
		{"permission denied", fs.ErrPermission, false},
		{"corrupt report", fmt.Errorf("%w: report r1", core.ErrCrashMetadataCorrupt), true},
		{"missing report", fmt.Errorf("%w: r1", core.ErrReportNotFound), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &memReporter{loadErr: map[string]error{"r1": tt.err}}
			out := &recorder{}

			results, err := NewRecovery(RecoveryOptions{Reporter: m, Emit: out.emit}).Run(context.Background())
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, StateFailed, results[0].State)
			assert.ErrorIs(t, results[0].Err, tt.err)
			assert.Empty(t, out.all())

			if tt.wantDeleted {
				assert.Equal(t, []string{"r1"}, m.deleted)
			} else {
				assert.Empty(t, m.deleted)
				ids, _ := m.ReportIDs(context.Background())
				assert.Equal(t, []string{"r1"}, ids)
			}
		})
	}
}

func TestRecovery_DeleteFailureReported(t *testing.T) {
	base := newReporter(t)
	_, err := base.WriteReport("panic: boom")
	require.NoError(t, err)

	out := &recorder{}
	results, err := NewRecovery(RecoveryOptions{Reporter: failingReporter{base}, Emit: out.emit}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateEmitted, results[0].State)
	assert.Error(t, results[0].Err)
	assert.Len(t, out.all(), 1)
}

func TestRecovery_NothingToDo(t *testing.T) {
	results, err := NewRecovery(RecoveryOptions{Reporter: newReporter(t), Emit: (&recorder{}).emit}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = NewRecovery(RecoveryOptions{}).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestCapturePanic(t *testing.T) {
	r := newReporter(t)
	require.NoError(t, r.SetMetadata(map[string]string{MetaSessionID: "s-9"}))

	var id string
	func() {
		defer func() {
			var err error
			id, err = CapturePanic(r, recover())
			require.NoError(t, err)
		}()
		panic("index out of range")
	}()
	require.NotEmpty(t, id)

	report, err := r.Report(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.Trace, "panic: index out of range\n"))
	assert.Contains(t, report.Trace, "goroutine ")
	assert.Equal(t, "s-9", report.Metadata[MetaSessionID])
	assert.Equal(t, "panic: index out of range", ExtractMessage(report.Trace))

	id, err = CapturePanic(r, nil)
	assert.NoError(t, err)
	assert.Empty(t, id)
}

func TestExtractMessage(t *testing.T) {
	tests := []struct {
		name  string
		trace string
		want  string
	}{
		{"apple", appleTrace, "Crash detected on thread 0 at libswiftCore.dylib 0x000000019ed5c8c4 $ss17_assertionFailure + 172"},
		{"thread without frame", "Thread 3 Crashed:\n1   Foo 0x1 bar", "Crash detected at unknown location"},
		{"go panic", "panic: runtime error: nil map\n\ngoroutine 7 [running]:", "panic: runtime error: nil map"},
		{"unknown", "segfault somewhere", "Crash detected at unknown location"},
		{"empty", "", "Crash detected at unknown location"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMessage(tt.trace))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 10))

	out := Truncate(appleTrace, 120)
	assert.Len(t, out, 120)
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "Thread 0 Crashed:", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0   libswiftCore.dylib"))

	goTrace := "header\npanic: boom\n\ngoroutine 1 [running]:\nmain.main()\n\t/app/main.go:10"
	out = Truncate(goTrace, 40)
	assert.Equal(t, "panic: boom\ngoroutine 1 [running]:\nheade", out)

	multi := strings.Repeat("日本語", 20)
	out = Truncate(multi, 10)
	assert.LessOrEqual(t, len(out), 10)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "日本語", out)

	// the remainder after the signature is filled up to a rune boundary
	tail := "Thread 0 Crashed:\n0   Frame\n" + strings.Repeat("é", 50)
	out = Truncate(tail, 41)
	assert.Len(t, out, 40)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "Thread 0 Crashed:\n0   Frame\n"))
}

func TestTruncate_FillsLimit(t *testing.T) {
	trace := "Incident Identifier: 1\n" + strings.Repeat("7   Filler 0x0 frame\n", 100) +
		"Thread 2 Crashed:\n0   MyApp 0x1 crashHere + 4\n" + strings.Repeat("8   Other 0x0 frame\n", 100)
	for _, limit := range []int{64, 256, 1000} {
		out := Truncate(trace, limit)
		assert.Len(t, out, limit)
		assert.True(t, strings.HasPrefix(out, "Thread 2 Crashed:\n0   MyApp 0x1 crashHere + 4\n"), "limit %d", limit)
	}
}
