package exporter

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/itsneelabh/rumagent/core"
)

// DebugExporter writes the log records of each batch to w as one OTLP JSON
// document per line. Spans are left to the tracer provider's stdout exporter.
type DebugExporter struct {
	mu       sync.Mutex
	w        io.Writer
	resource *resource.Resource
}

// NewDebugExporter creates a debug sink writing to w.
func NewDebugExporter(w io.Writer, res *resource.Resource) *DebugExporter {
	return &DebugExporter{w: w, resource: res}
}

// Export writes the log records of batch.
func (e *DebugExporter) Export(_ context.Context, batch []*core.Record) error {
	logs := filterKind(batch, core.KindLog)
	if len(logs) == 0 {
		return nil
	}
	data, err := protojson.Marshal(EncodeLogs(e.resource, logs))
	if err != nil {
		return &core.AgentError{Op: "DebugExporter.Export", Kind: "export", Message: "failed to encode batch", Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return &core.AgentError{Op: "DebugExporter.Export", Kind: "export", Message: "failed to write batch", Err: err}
	}
	return nil
}

// Shutdown is a no-op; the writer belongs to the caller.
func (e *DebugExporter) Shutdown(context.Context) error { return nil }
