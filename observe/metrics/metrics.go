// Package metrics exposes turn, provider and tool counters to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PipeOpsHQ/qoe-assistant/observe"
)

const namespace = "qoe_assistant"

type Sink struct {
	turns        *prometheus.CounterVec
	generations  *prometheus.CounterVec
	degenerate   prometheus.Counter
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	turnDuration prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) (*Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Sink{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by final status.",
		}, []string{"status"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Model invocations by provider.",
		}, []string{"provider"}),
		degenerate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degenerate_responses_total",
			Help:      "Model responses discarded for having neither content nor tool calls.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"tool"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{s.turns, s.generations, s.degenerate, s.toolCalls, s.toolDuration, s.turnDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	switch event.Kind {
	case observe.KindTurn:
		if event.Status == observe.StatusCompleted || event.Status == observe.StatusFailed {
			s.turns.WithLabelValues(string(event.Status)).Inc()
			if event.DurationMs > 0 {
				s.turnDuration.Observe(seconds(event.DurationMs))
			}
		}
	case observe.KindProvider:
		switch event.Status {
		case observe.StatusStarted:
			s.generations.WithLabelValues(event.Provider).Inc()
		case observe.StatusRetried:
			s.degenerate.Inc()
		}
	case observe.KindTool:
		if event.Status == observe.StatusCompleted || event.Status == observe.StatusFailed {
			s.toolCalls.WithLabelValues(event.ToolName, string(event.Status)).Inc()
			s.toolDuration.WithLabelValues(event.ToolName).Observe(seconds(event.DurationMs))
		}
	}
	return nil
}

func seconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}
