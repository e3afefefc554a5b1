package exporter

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/itsneelabh/rumagent/core"
)

// ResourceConfig names the app monitor a batch belongs to.
type ResourceConfig struct {
	ServiceName     string
	AppMonitorID    string
	AppMonitorAlias string
	SDKVersion      string
}

// NewResource merges the SDK default resource with the app monitor identity.
func NewResource(cfg ResourceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String(core.AttrAppMonitorID, cfg.AppMonitorID),
	}
	if cfg.AppMonitorAlias != "" {
		attrs = append(attrs, attribute.String(core.AttrAppMonitorAlias, cfg.AppMonitorAlias))
	}
	if cfg.SDKVersion != "" {
		attrs = append(attrs, attribute.String(core.AttrSDKVersion, cfg.SDKVersion))
	}

	own := resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	res, err := resource.Merge(resource.Default(), own)
	if err != nil {
		// schema conflict with the SDK default; keep our attributes only
		return own
	}
	return res
}

func resourceToProto(res *resource.Resource) *resourcepb.Resource {
	if res == nil {
		return &resourcepb.Resource{}
	}
	return &resourcepb.Resource{Attributes: attributesToProto(res.Attributes())}
}

func attributesToProto(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, &commonpb.KeyValue{Key: string(kv.Key), Value: valueToProto(kv.Value)})
	}
	return out
}

func valueToProto(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	case attribute.BOOLSLICE:
		vals := v.AsBoolSlice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, b := range vals {
			arr[i] = valueToProto(attribute.BoolValue(b))
		}
		return arrayValue(arr)
	case attribute.INT64SLICE:
		vals := v.AsInt64Slice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, n := range vals {
			arr[i] = valueToProto(attribute.Int64Value(n))
		}
		return arrayValue(arr)
	case attribute.FLOAT64SLICE:
		vals := v.AsFloat64Slice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, f := range vals {
			arr[i] = valueToProto(attribute.Float64Value(f))
		}
		return arrayValue(arr)
	case attribute.STRINGSLICE:
		vals := v.AsStringSlice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, s := range vals {
			arr[i] = valueToProto(attribute.StringValue(s))
		}
		return arrayValue(arr)
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

func arrayValue(values []*commonpb.AnyValue) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: values}}}
}

func unixNano(r *core.Record, end bool) uint64 {
	t := r.Timestamp
	if end {
		t = r.EndTime
	}
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

// groupByScope keeps the first-seen order of scopes.
func groupByScope(batch []*core.Record, kind core.RecordKind) ([]string, map[string][]*core.Record) {
	var order []string
	groups := make(map[string][]*core.Record)
	for _, r := range batch {
		if r == nil || r.Kind != kind {
			continue
		}
		if _, ok := groups[r.Scope]; !ok {
			order = append(order, r.Scope)
		}
		groups[r.Scope] = append(groups[r.Scope], r)
	}
	return order, groups
}

// EncodeLogs builds an OTLP logs request from the log records of batch.
func EncodeLogs(res *resource.Resource, batch []*core.Record) *collogspb.ExportLogsServiceRequest {
	order, groups := groupByScope(batch, core.KindLog)
	if len(order) == 0 {
		return &collogspb.ExportLogsServiceRequest{}
	}

	scopes := make([]*logspb.ScopeLogs, 0, len(order))
	for _, scope := range order {
		recs := groups[scope]
		out := make([]*logspb.LogRecord, 0, len(recs))
		for _, r := range recs {
			lr := &logspb.LogRecord{
				TimeUnixNano:         unixNano(r, false),
				ObservedTimeUnixNano: unixNano(r, false),
				SeverityNumber:       logspb.SeverityNumber(r.Severity),
				EventName:            r.Name,
				Attributes:           attributesToProto(r.Attributes),
			}
			if r.Body != "" {
				lr.Body = valueToProto(attribute.StringValue(r.Body))
			}
			if r.Name != "" && !r.Has(core.AttrEventName) {
				lr.Attributes = append(lr.Attributes, &commonpb.KeyValue{
					Key:   core.AttrEventName,
					Value: valueToProto(attribute.StringValue(r.Name)),
				})
			}
			if r.TraceID.IsValid() {
				lr.TraceId = r.TraceID[:]
			}
			if r.SpanID.IsValid() {
				lr.SpanId = r.SpanID[:]
			}
			out = append(out, lr)
		}
		scopes = append(scopes, &logspb.ScopeLogs{
			Scope:      &commonpb.InstrumentationScope{Name: scope},
			LogRecords: out,
		})
	}

	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource:  resourceToProto(res),
			ScopeLogs: scopes,
			SchemaUrl: schemaURL(res),
		}},
	}
}

// EncodeSpans builds an OTLP traces request from the span records of batch.
func EncodeSpans(res *resource.Resource, batch []*core.Record) *coltracepb.ExportTraceServiceRequest {
	order, groups := groupByScope(batch, core.KindSpan)
	if len(order) == 0 {
		return &coltracepb.ExportTraceServiceRequest{}
	}

	scopes := make([]*tracepb.ScopeSpans, 0, len(order))
	for _, scope := range order {
		recs := groups[scope]
		out := make([]*tracepb.Span, 0, len(recs))
		for _, r := range recs {
			s := &tracepb.Span{
				TraceId:           append([]byte(nil), r.TraceID[:]...),
				SpanId:            append([]byte(nil), r.SpanID[:]...),
				Name:              r.Name,
				Kind:              tracepb.Span_SpanKind(r.SpanKind),
				StartTimeUnixNano: unixNano(r, false),
				EndTimeUnixNano:   unixNano(r, true),
				Attributes:        attributesToProto(r.Attributes),
				Status:            statusToProto(r.StatusCode, r.StatusMessage),
			}
			if r.ParentSpanID.IsValid() {
				s.ParentSpanId = append([]byte(nil), r.ParentSpanID[:]...)
			}
			out = append(out, s)
		}
		scopes = append(scopes, &tracepb.ScopeSpans{
			Scope: &commonpb.InstrumentationScope{Name: scope},
			Spans: out,
		})
	}

	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:   resourceToProto(res),
			ScopeSpans: scopes,
			SchemaUrl:  schemaURL(res),
		}},
	}
}

func statusToProto(code codes.Code, msg string) *tracepb.Status {
	switch code {
	case codes.Ok:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	case codes.Error:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: msg}
	default:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	}
}

func schemaURL(res *resource.Resource) string {
	if res == nil {
		return ""
	}
	return res.SchemaURL()
}

var gzipWriters = sync.Pool{
	New: func() interface{} { return gzip.NewWriter(nil) },
}

// compress gzips payload.
func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)
	zw.Reset(&buf)

	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
