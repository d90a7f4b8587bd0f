package otel

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/cmdgate/pkg/types"
)

func convertToLogRecord(e types.AuditEntry) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(e.Timestamp)
	rec.SetBody(otellog.StringValue(entryBody(e)))
	rec.SetSeverity(entrySeverity(e.Severity))
	rec.SetSeverityText(string(e.Severity))
	rec.AddAttributes(entryAttributes(e)...)
	return rec
}

// entryContext attaches trace correlation when the entry's metadata
// carries trace_id and span_id.
func entryContext(ctx context.Context, e types.AuditEntry) context.Context {
	traceID, hasTrace := hexID[trace.TraceID](e.Metadata, "trace_id")
	spanID, hasSpan := hexID[trace.SpanID](e.Metadata, "span_id")
	if !hasTrace && !hasSpan {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
}

func entryBody(e types.AuditEntry) string {
	outcome := "allowed"
	if !e.Success {
		outcome = "denied"
	}
	subject := e.Command
	if subject == "" {
		subject = e.Reason
	}
	if subject == "" {
		return fmt.Sprintf("%s [%s]", e.Operation, outcome)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Operation, subject, outcome)
}

func entrySeverity(s types.Severity) otellog.Severity {
	switch s {
	case types.SeverityCritical:
		return otellog.SeverityError
	case types.SeverityWarning:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

func entryAttributes(e types.AuditEntry) []otellog.KeyValue {
	var attrs []otellog.KeyValue
	if e.PID != 0 {
		attrs = append(attrs, otellog.Int("process.pid", e.PID))
	}
	if e.User != "" {
		attrs = append(attrs, otellog.String("user.name", e.User))
	}
	if e.ID != "" {
		attrs = append(attrs, otellog.String("cmdgate.entry.id", e.ID))
	}
	attrs = append(attrs,
		otellog.String("cmdgate.operation", string(e.Operation)),
		otellog.Bool("cmdgate.success", e.Success),
	)
	if e.Agent != "" {
		attrs = append(attrs, otellog.String("cmdgate.agent", e.Agent))
	}
	if e.Workflow != "" {
		attrs = append(attrs, otellog.String("cmdgate.workflow", e.Workflow))
	}
	if e.Command != "" {
		attrs = append(attrs, otellog.String("cmdgate.command", e.Command))
	}
	if e.Reason != "" {
		attrs = append(attrs, otellog.String("cmdgate.reason", e.Reason))
	}
	if e.Integrity != nil {
		attrs = append(attrs,
			otellog.Int64("cmdgate.integrity.sequence", e.Integrity.Sequence),
			otellog.String("cmdgate.integrity.hash", e.Integrity.EntryHash),
		)
	}

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := "cmdgate.meta." + k
		switch v := e.Metadata[k].(type) {
		case string:
			attrs = append(attrs, otellog.String(name, v))
		case bool:
			attrs = append(attrs, otellog.Bool(name, v))
		case int:
			attrs = append(attrs, otellog.Int(name, v))
		case int64:
			attrs = append(attrs, otellog.Int64(name, v))
		case float64:
			attrs = append(attrs, otellog.Float64(name, v))
		}
	}
	return attrs
}

func hexID[T trace.TraceID | trace.SpanID](md map[string]any, key string) (T, bool) {
	var id T
	s, ok := md[key].(string)
	if !ok || s == "" {
		return id, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, false
	}
	switch p := any(&id).(type) {
	case *trace.TraceID:
		copy(p[:], b)
	case *trace.SpanID:
		copy(p[:], b)
	}
	return id, true
}

// BuildResource describes this process to the collector.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
