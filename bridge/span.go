// Package bridge feeds records produced by the official OpenTelemetry SDK
// into the agent's processor chain, so code instrumented with otel tracers
// and loggers is enriched and exported like records emitted directly.
package bridge

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/processor"
)

// SpanProcessor is an sdktrace.SpanProcessor that converts ended spans into
// core.Records for the chain.
type SpanProcessor struct {
	next   processor.Processor
	closed atomic.Bool
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor returns a span processor forwarding to next.
func NewSpanProcessor(next processor.Processor) *SpanProcessor {
	return &SpanProcessor{next: next}
}

// OnStart is a no-op; spans are forwarded once they end.
func (p *SpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

// OnEnd converts s and hands it to the chain.
func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if p.closed.Load() || p.next == nil || s == nil {
		return
	}
	p.next.OnRecord(context.Background(), SpanRecord(s))
}

// Shutdown stops forwarding. The chain itself is owned by the agent and is
// left running.
func (p *SpanProcessor) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	return nil
}

// ForceFlush flushes the chain.
func (p *SpanProcessor) ForceFlush(ctx context.Context) error {
	if p.next == nil {
		return nil
	}
	return p.next.ForceFlush(ctx)
}

// SpanRecord converts an ended span.
func SpanRecord(s sdktrace.ReadOnlySpan) *core.Record {
	sc := s.SpanContext()
	status := s.Status()
	rec := &core.Record{
		Kind:          core.KindSpan,
		Name:          s.Name(),
		Timestamp:     s.StartTime(),
		EndTime:       s.EndTime(),
		TraceID:       sc.TraceID(),
		SpanID:        sc.SpanID(),
		SpanKind:      s.SpanKind(),
		StatusCode:    status.Code,
		StatusMessage: status.Description,
		Scope:         s.InstrumentationScope().Name,
		Attributes:    append([]attribute.KeyValue(nil), s.Attributes()...),
	}
	if parent := s.Parent(); parent.IsValid() {
		rec.ParentSpanID = parent.SpanID()
	}
	return rec
}
