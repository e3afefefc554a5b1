package telemetry

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder records the agent's own pipeline metrics. It keeps atomic totals
// for Health alongside the otel instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	instruments *MetricInstruments
	startTime   time.Time

	attempts    atomic.Int64
	delivered   atomic.Int64
	rejected    atomic.Int64
	failed      atomic.Int64
	dropped     atomic.Int64
	recovered   atomic.Int64
	unrecovered atomic.Int64
	refreshes   atomic.Int64
	refreshErrs atomic.Int64
	lastError   atomic.Value // string
}

// NewRecorder creates a recorder on provider. A nil provider only keeps the
// in-process totals.
func NewRecorder(provider metric.MeterProvider) *Recorder {
	return &Recorder{
		instruments: NewMetricInstruments(provider),
		startTime:   time.Now(),
	}
}

// ExportAttempt counts one HTTP attempt, retries included.
func (r *Recorder) ExportAttempt(ctx context.Context) {
	if r == nil {
		return
	}
	r.attempts.Add(1)
	_ = r.instruments.RecordCounter(ctx, MetricExportAttempts, 1)
}

// ExportOutcome counts a finished export and its duration. outcome is one of
// "delivered", "rejected" or "failed".
func (r *Recorder) ExportOutcome(ctx context.Context, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	switch outcome {
	case "delivered":
		r.delivered.Add(1)
	case "rejected":
		r.rejected.Add(1)
	default:
		r.failed.Add(1)
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	_ = r.instruments.RecordCounter(ctx, MetricExportOutcomes, 1, attrs)
	_ = r.instruments.RecordDuration(ctx, MetricExportDuration, float64(d.Microseconds())/1000, attrs)
}

// BatchDropped counts records dropped on queue overflow.
func (r *Recorder) BatchDropped(ctx context.Context, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.dropped.Add(n)
	_ = r.instruments.RecordCounter(ctx, MetricBatchDropped, n)
}

// CrashRecovered counts an emitted crash report.
func (r *Recorder) CrashRecovered(ctx context.Context, recoveredContext bool) {
	if r == nil {
		return
	}
	if recoveredContext {
		r.recovered.Add(1)
	} else {
		r.unrecovered.Add(1)
	}
	_ = r.instruments.RecordCounter(ctx, MetricCrashRecovered, 1,
		metric.WithAttributes(attribute.String("recovered_context", strconv.FormatBool(recoveredContext))))
}

// CredentialRefresh counts an upstream credential fetch.
func (r *Recorder) CredentialRefresh(ctx context.Context, err error) {
	if r == nil {
		return
	}
	r.refreshes.Add(1)
	if err != nil {
		r.refreshErrs.Add(1)
		r.lastError.Store(err.Error())
		_ = r.instruments.RecordError(ctx, MetricCredentialRefreshes, "fetch_failed")
		return
	}
	_ = r.instruments.RecordSuccess(ctx, MetricCredentialRefreshes)
}

// Failure records the last pipeline error for Health.
func (r *Recorder) Failure(err error) {
	if r == nil || err == nil {
		return
	}
	r.lastError.Store(err.Error())
}
