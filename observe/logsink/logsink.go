// Package logsink writes observer events to a logrus logger.
package logsink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/qoe-assistant/observe"
)

type Sink struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Sink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sink{log: log}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	fields := logrus.Fields{
		"kind":   string(event.Kind),
		"status": string(event.Status),
	}
	if event.TurnID != "" {
		fields["turn_id"] = event.TurnID
	}
	if event.SessionID != "" {
		fields["session_id"] = event.SessionID
	}
	if event.Provider != "" {
		fields["provider"] = event.Provider
	}
	if event.ToolName != "" {
		fields["tool"] = event.ToolName
	}
	if event.DurationMs > 0 {
		fields["duration_ms"] = event.DurationMs
	}
	for _, key := range []string{"iteration", "attempt", "toolCallId", "role"} {
		if v, ok := event.Attributes[key]; ok {
			fields[key] = v
		}
	}
	entry := s.log.WithFields(fields)

	msg := event.Name
	if event.Message != "" {
		msg = event.Message
	}

	switch {
	case event.Status == observe.StatusFailed:
		entry.WithField("error", event.Error).Error(msg)
	case event.Status == observe.StatusRetried:
		entry.Warn(msg)
	case event.Kind == observe.KindTurn && event.Status == observe.StatusCompleted:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
	return nil
}
