package core

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordKind distinguishes spans from log events.
type RecordKind int

const (
	KindLog RecordKind = iota
	KindSpan
)

func (k RecordKind) String() string {
	switch k {
	case KindSpan:
		return "span"
	default:
		return "log"
	}
}

// Severity follows the OTLP severity number scale.
type Severity int32

const (
	SeverityUnspecified Severity = 0
	SeverityDebug       Severity = 5
	SeverityInfo        Severity = 9
	SeverityWarn        Severity = 13
	SeverityError       Severity = 17
	SeverityFatal       Severity = 21
)

// Record is a span or log event travelling through the processor chain.
// The stage currently holding a record owns it; processors mutate it in place.
type Record struct {
	Kind     RecordKind
	Name     string // span name or event name
	Body     string // log body
	Severity Severity

	Timestamp time.Time // span start or log time
	EndTime   time.Time // spans only

	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID
	SpanKind     trace.SpanKind

	StatusCode    codes.Code
	StatusMessage string

	// Scope is the instrumentation scope name that produced the record.
	Scope string

	Attributes []attribute.KeyValue
}

// NewLogRecord creates a log event with the given event name and body.
func NewLogRecord(name, body string, attrs ...attribute.KeyValue) *Record {
	return &Record{
		Kind:       KindLog,
		Name:       name,
		Body:       body,
		Severity:   SeverityInfo,
		Timestamp:  time.Now(),
		Attributes: append([]attribute.KeyValue(nil), attrs...),
	}
}

// Has reports whether key is present in the record attributes.
func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Get returns the value for key.
func (r *Record) Get(key string) (attribute.Value, bool) {
	k := attribute.Key(key)
	for _, kv := range r.Attributes {
		if kv.Key == k {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Set overwrites key if present, otherwise appends it.
func (r *Record) Set(kv attribute.KeyValue) {
	for i := range r.Attributes {
		if r.Attributes[i].Key == kv.Key {
			r.Attributes[i] = kv
			return
		}
	}
	r.Attributes = append(r.Attributes, kv)
}

// SetIfAbsent appends kv unless the key already exists. It returns true when
// the attribute was added. Applying it twice is a no-op the second time.
func (r *Record) SetIfAbsent(kv attribute.KeyValue) bool {
	if r.Has(string(kv.Key)) {
		return false
	}
	r.Attributes = append(r.Attributes, kv)
	return true
}

// Remove deletes key, preserving the order of the remaining attributes.
func (r *Record) Remove(key string) {
	k := attribute.Key(key)
	out := r.Attributes[:0]
	for _, kv := range r.Attributes {
		if kv.Key != k {
			out = append(out, kv)
		}
	}
	r.Attributes = out
}

// Clone returns a deep copy whose attribute slice is independent of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = append([]attribute.KeyValue(nil), r.Attributes...)
	return &c
}

// Str returns the string value of key or "" if absent.
func (r *Record) Str(key string) string {
	v, ok := r.Get(key)
	if !ok {
		return ""
	}
	return v.Emit()
}
