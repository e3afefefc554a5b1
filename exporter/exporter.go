package exporter

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/protobuf/proto"

	"github.com/itsneelabh/rumagent/core"
)

const contentTypeProtobuf = "application/x-protobuf"

// ExporterOptions configures LogExporter and SpanExporter.
type ExporterOptions struct {
	URL      string
	Resource *resource.Resource
	Compress bool
	Logger   core.Logger
}

type otlpExporter struct {
	client   *Client
	url      string
	resource *resource.Resource
	compress bool
	logger   core.Logger
}

func newOTLPExporter(client *Client, opts ExporterOptions) otlpExporter {
	return otlpExporter{
		client:   client,
		url:      opts.URL,
		resource: opts.Resource,
		compress: opts.Compress,
		logger:   core.ComponentLogger(opts.Logger, "rumagent/exporter"),
	}
}

func (e *otlpExporter) send(ctx context.Context, msg proto.Message, batch []*core.Record) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return &core.AgentError{Op: "exporter.Export", Kind: "export", Message: "failed to encode batch", Err: err}
	}

	req := &Request{
		URL:         e.url,
		Body:        payload,
		ContentType: contentTypeProtobuf,
		SessionID:   sessionOf(batch),
	}
	if e.compress {
		body, err := compress(payload)
		if err != nil {
			return &core.AgentError{Op: "exporter.Export", Kind: "export", Message: "failed to compress batch", Err: err}
		}
		req.Body = body
		req.ContentEncoding = "gzip"
	}

	res, err := e.client.Send(ctx, req)
	if err != nil {
		return err
	}
	e.logger.Debug("Batch exported", map[string]interface{}{
		"records":     len(batch),
		"outcome":     res.Outcome.String(),
		"status_code": res.StatusCode,
		"attempts":    res.Attempts,
	})
	return nil
}

// sessionOf returns the first session id in batch.
func sessionOf(batch []*core.Record) string {
	for _, r := range batch {
		if r == nil {
			continue
		}
		if id := r.Str(core.AttrSessionID); id != "" {
			return id
		}
	}
	return ""
}

func filterKind(batch []*core.Record, kind core.RecordKind) []*core.Record {
	var out []*core.Record
	for _, r := range batch {
		if r != nil && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// LogExporter posts the log records of a batch as OTLP/HTTP protobuf.
type LogExporter struct {
	otlpExporter
}

// NewLogExporter creates a log exporter sending through client.
func NewLogExporter(client *Client, opts ExporterOptions) *LogExporter {
	return &LogExporter{newOTLPExporter(client, opts)}
}

// Export sends the log records of batch. Spans are ignored.
func (e *LogExporter) Export(ctx context.Context, batch []*core.Record) error {
	logs := filterKind(batch, core.KindLog)
	if len(logs) == 0 {
		return nil
	}
	return e.send(ctx, EncodeLogs(e.resource, logs), logs)
}

// Shutdown stops the underlying client.
func (e *LogExporter) Shutdown(context.Context) error {
	e.client.Shutdown()
	return nil
}

// SpanExporter posts the span records of a batch as OTLP/HTTP protobuf.
type SpanExporter struct {
	otlpExporter
}

// NewSpanExporter creates a span exporter sending through client.
func NewSpanExporter(client *Client, opts ExporterOptions) *SpanExporter {
	return &SpanExporter{newOTLPExporter(client, opts)}
}

// Export sends the span records of batch. Logs are ignored.
func (e *SpanExporter) Export(ctx context.Context, batch []*core.Record) error {
	spans := filterKind(batch, core.KindSpan)
	if len(spans) == 0 {
		return nil
	}
	return e.send(ctx, EncodeSpans(e.resource, spans), spans)
}

// Shutdown stops the underlying client.
func (e *SpanExporter) Shutdown(context.Context) error {
	e.client.Shutdown()
	return nil
}

// BatchExporter is the subset of processor.Exporter implemented here.
type BatchExporter interface {
	Export(ctx context.Context, batch []*core.Record) error
	Shutdown(ctx context.Context) error
}

// Multi fans a mixed batch out to every exporter. Each exporter picks the
// records of its own kind.
type Multi []BatchExporter

// Export calls every exporter and joins their errors.
func (m Multi) Export(ctx context.Context, batch []*core.Record) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown shuts every exporter down.
func (m Multi) Shutdown(ctx context.Context) error {
	var errs []error
	for i, e := range m {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("exporter %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
