// Package otel turns observer events into OpenTelemetry spans so turns,
// provider calls and tool calls show up in any OTel backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/qoe-assistant/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/qoe-assistant"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer      trace.Tracer
	skipMessage bool
}

type Option func(*Sink)

// WithMessageSpans controls whether history message events become spans.
// They are skipped by default.
func WithMessageSpans(enabled bool) Option {
	return func(s *Sink) { s.skipMessage = !enabled }
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider, opts ...Option) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	s := &Sink{
		tracer:      tp.Tracer(instrumentationName),
		skipMessage: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	if s.skipMessage && event.Kind == observe.KindMessage {
		return nil
	}

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("qoe.event.kind", string(event.Kind)),
	}
	if event.TurnID != "" {
		attrs = append(attrs, attribute.String("qoe.turn.id", event.TurnID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("qoe.session.id", event.SessionID))
	}
	if event.SpanID != "" {
		attrs = append(attrs, attribute.String("qoe.span.id", event.SpanID))
	}
	if event.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("qoe.parent_span.id", event.ParentSpanID))
	}
	if event.Provider != "" {
		attrs = append(attrs, attribute.String("qoe.provider", event.Provider))
	}
	if event.ToolName != "" {
		attrs = append(attrs, attribute.String("qoe.tool.name", event.ToolName))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("qoe.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("qoe.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("qoe.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("qoe.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("qoe.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusRetried:
		span.AddEvent("degenerate_response")
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindTurn:
		return "qoe.turn"
	case observe.KindProvider:
		if event.Provider != "" {
			return "qoe.llm." + event.Provider
		}
		return "qoe.llm.generate"
	case observe.KindTool:
		if event.ToolName != "" {
			return "qoe.tool." + event.ToolName
		}
		return "qoe.tool.call"
	case observe.KindMessage:
		return "qoe.message"
	default:
		if event.Name != "" {
			return "qoe." + event.Name
		}
		return "qoe.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
