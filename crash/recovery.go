package crash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/telemetry"
)

// ReportState is where a stored report is in recovery.
type ReportState int

const (
	StateParsed ReportState = iota + 1
	StateRecovered
	StateUnrecovered
	StateEmitted
	StateDeleted
	StateFailed
)

func (s ReportState) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateRecovered:
		return "recovered"
	case StateUnrecovered:
		return "unrecovered"
	case StateEmitted:
		return "emitted"
	case StateDeleted:
		return "deleted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReportResult is the outcome for one report.
type ReportResult struct {
	ID               string
	State            ReportState
	RecoveredContext bool
	Err              error
}

// Emitter sends a record into the processor chain.
type Emitter func(ctx context.Context, rec *core.Record)

// RecoveryOptions configures a Recovery.
type RecoveryOptions struct {
	Reporter           Reporter
	Emit               Emitter
	MaxStackTraceBytes int
	Logger             core.Logger
	Metrics            *telemetry.Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Recovery turns the reports left by a previous process into device.crash
// events.
type Recovery struct {
	opts   RecoveryOptions
	logger core.Logger
}

// NewRecovery creates a recovery pass.
func NewRecovery(opts RecoveryOptions) *Recovery {
	if opts.MaxStackTraceBytes <= 0 {
		opts.MaxStackTraceBytes = core.DefaultMaxStackTraceBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recovery{
		opts:   opts,
		logger: core.ComponentLogger(opts.Logger, "rumagent/crash"),
	}
}

// Run emits and deletes every stored report. Reports are deleted once
// emitted whether or not the export later succeeds, so a crash is reported
// at most once. A report that fails to load for any reason other than being
// corrupt or missing stays stored for the next Run.
func (r *Recovery) Run(ctx context.Context) ([]ReportResult, error) {
	if r.opts.Reporter == nil || r.opts.Emit == nil {
		return nil, nil
	}

	ids, err := r.opts.Reporter.ReportIDs(ctx)
	if err != nil {
		return nil, &core.AgentError{Op: "crash.Recovery.Run", Kind: "crash", Message: "failed to list crash reports", Err: err}
	}

	results := make([]ReportResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, r.process(ctx, id))
	}

	if len(ids) > 0 {
		r.logger.Info("Processed stored crash reports", map[string]interface{}{
			"count": len(ids),
		})
	}
	return results, nil
}

func (r *Recovery) process(ctx context.Context, id string) ReportResult {
	res := ReportResult{ID: id}

	report, err := r.opts.Reporter.Report(ctx, id)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		// only a report that can never be read is discarded
		if errors.Is(err, core.ErrCrashMetadataCorrupt) || errors.Is(err, core.ErrReportNotFound) {
			r.logger.Warn("Discarding unreadable crash report", map[string]interface{}{
				"report_id": id,
				"error":     err,
			})
			r.delete(ctx, &res)
			return res
		}
		r.logger.Warn("Failed to load crash report, keeping it for the next start", map[string]interface{}{
			"report_id": id,
			"error":     err,
		})
		return res
	}
	res.State = StateParsed

	rec, recovered := r.buildEvent(report)
	res.RecoveredContext = recovered
	if recovered {
		res.State = StateRecovered
	} else {
		res.State = StateUnrecovered
	}

	r.opts.Emit(ctx, rec)
	res.State = StateEmitted
	r.opts.Metrics.CrashRecovered(ctx, recovered)

	r.delete(ctx, &res)
	return res
}

func (r *Recovery) delete(ctx context.Context, res *ReportResult) {
	if err := r.opts.Reporter.DeleteReport(ctx, res.ID); err != nil {
		r.logger.Error("Failed to delete crash report", map[string]interface{}{
			"report_id": res.ID,
			"error":     err,
		})
		if res.Err == nil {
			res.Err = err
		}
		return
	}
	if res.State == StateEmitted {
		res.State = StateDeleted
	}
}

// buildEvent creates the device.crash record and reports whether the
// original context was recovered. A recovered event is stamped with the time
// the report was written, or the snapshot time when the report has none.
func (r *Recovery) buildEvent(report *Report) (*core.Record, bool) {
	rec := core.NewLogRecord(core.EventCrash, "",
		attribute.String(core.AttrExceptionType, "crash"),
		attribute.String(core.AttrExceptionMessage, ExtractMessage(report.Trace)),
		attribute.String(core.AttrExceptionStacktrace, Truncate(report.Trace, r.opts.MaxStackTraceBytes)),
	)
	rec.Severity = core.SeverityFatal
	rec.Scope = "rumagent/crash"

	snap, err := ParseSnapshot(report.Metadata)
	if err != nil {
		r.logger.Debug("Crash context not recoverable", map[string]interface{}{
			"report_id":  report.ID,
			"error":      err,
			"error_type": core.ErrCrashMetadataCorrupt.Error(),
		})
		rec.Timestamp = r.opts.Now()
		rec.Set(attribute.Bool(core.AttrRecoveredContext, false))
		return rec, false
	}

	rec.Timestamp = report.CreatedAt
	if rec.Timestamp.IsZero() {
		rec.Timestamp = snap.CapturedAt
	}
	rec.Set(attribute.String(core.AttrSessionID, snap.SessionID))
	if snap.PreviousSessionID != "" {
		rec.Set(attribute.String(core.AttrSessionPreviousID, snap.PreviousSessionID))
	}
	if snap.UserID != "" {
		rec.Set(attribute.String(core.AttrUserID, snap.UserID))
	}
	if snap.ScreenName != "" {
		rec.Set(attribute.String(core.AttrScreenName, snap.ScreenName))
	}
	rec.Set(attribute.Bool(core.AttrRecoveredContext, true))
	return rec, true
}

// String renders a result for logs.
func (r ReportResult) String() string {
	return fmt.Sprintf("%s: %s (recovered_context=%t)", r.ID, r.State, r.RecoveredContext)
}
