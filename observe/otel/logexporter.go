package otel

import (
	"context"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a logrus logger at debug level. It
// lets tracing run without a collector.
type LogExporter struct {
	log logrus.FieldLogger
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

func NewLogExporter(log logrus.FieldLogger) *LogExporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogExporter{log: log}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields := logrus.Fields{
			"span":        span.Name(),
			"trace_id":    span.SpanContext().TraceID().String(),
			"span_id":     span.SpanContext().SpanID().String(),
			"duration_ms": span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status":      span.Status().Code.String(),
		}
		for _, kv := range span.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		e.log.WithFields(fields).Debug("span")
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }

// NewLoggingTracerProvider batches spans into a LogExporter.
func NewLoggingTracerProvider(log logrus.FieldLogger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(NewLogExporter(log)))
}
