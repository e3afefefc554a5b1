package bridge

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/processor"
)

// LogProcessor is an sdklog.Processor that converts emitted log records into
// core.Records for the chain.
type LogProcessor struct {
	next   processor.Processor
	closed atomic.Bool
}

var _ sdklog.Processor = (*LogProcessor)(nil)

// NewLogProcessor returns a log processor forwarding to next.
func NewLogProcessor(next processor.Processor) *LogProcessor {
	return &LogProcessor{next: next}
}

// OnEmit converts r and hands it to the chain. It never returns an error.
func (p *LogProcessor) OnEmit(ctx context.Context, r *sdklog.Record) error {
	if p.closed.Load() || p.next == nil || r == nil {
		return nil
	}
	p.next.OnRecord(ctx, LogRecord(r))
	return nil
}

// Shutdown stops forwarding.
func (p *LogProcessor) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	return nil
}

// ForceFlush flushes the chain.
func (p *LogProcessor) ForceFlush(ctx context.Context) error {
	if p.next == nil {
		return nil
	}
	return p.next.ForceFlush(ctx)
}

// LogRecord converts an SDK log record. Complex values are flattened to
// their string form.
func LogRecord(r *sdklog.Record) *core.Record {
	ts := r.Timestamp()
	if ts.IsZero() {
		ts = r.ObservedTimestamp()
	}
	rec := &core.Record{
		Kind:      core.KindLog,
		Name:      r.EventName(),
		Body:      valueString(r.Body()),
		Severity:  core.Severity(r.Severity()),
		Timestamp: ts,
		TraceID:   r.TraceID(),
		SpanID:    r.SpanID(),
		Scope:     r.InstrumentationScope().Name,
	}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		rec.Attributes = append(rec.Attributes, convertKeyValue(kv))
		return true
	})
	return rec
}

func convertKeyValue(kv otellog.KeyValue) attribute.KeyValue {
	switch kv.Value.Kind() {
	case otellog.KindBool:
		return attribute.Bool(kv.Key, kv.Value.AsBool())
	case otellog.KindInt64:
		return attribute.Int64(kv.Key, kv.Value.AsInt64())
	case otellog.KindFloat64:
		return attribute.Float64(kv.Key, kv.Value.AsFloat64())
	default:
		return attribute.String(kv.Key, valueString(kv.Value))
	}
}

func valueString(v otellog.Value) string {
	switch v.Kind() {
	case otellog.KindEmpty:
		return ""
	case otellog.KindString:
		return v.AsString()
	case otellog.KindBytes:
		return string(v.AsBytes())
	default:
		return v.String()
	}
}
