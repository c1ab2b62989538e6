package observe

import (
	"fmt"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// FromRuntimeEvent maps a controller event onto the observer model.
func FromRuntimeEvent(in types.Event) Event {
	e := Event{
		Timestamp:  in.Timestamp,
		TurnID:     in.TurnID,
		SessionID:  in.SessionID,
		Name:       string(in.Type),
		Provider:   in.Provider,
		ToolName:   in.ToolName,
		Message:    in.Note,
		Error:      in.Error,
		DurationMs: in.DurationMs,
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	if in.Iteration > 0 {
		e.Attributes["iteration"] = in.Iteration
	}
	if in.Attempt > 0 {
		e.Attributes["attempt"] = in.Attempt
	}
	if in.ToolCallID != "" {
		e.Attributes["toolCallId"] = in.ToolCallID
	}
	if in.Message != nil {
		e.Attributes["role"] = string(in.Message.Role)
	}

	switch in.Type {
	case types.EventTurnStarted:
		e.Kind, e.Status = KindTurn, StatusStarted
	case types.EventTurnCompleted:
		e.Kind, e.Status = KindTurn, StatusCompleted
	case types.EventTurnFailed:
		e.Kind, e.Status = KindTurn, StatusFailed
	case types.EventBeforeGenerate:
		e.Kind, e.Status = KindProvider, StatusStarted
	case types.EventAfterGenerate:
		e.Kind, e.Status = KindProvider, StatusCompleted
	case types.EventDegenerateResponse:
		e.Kind, e.Status = KindProvider, StatusRetried
	case types.EventBeforeTool:
		e.Kind, e.Status = KindTool, StatusStarted
	case types.EventAfterTool:
		e.Kind, e.Status = KindTool, StatusCompleted
		if in.Error != "" {
			e.Status = StatusFailed
		}
	case types.EventMessage:
		e.Kind, e.Status = KindMessage, StatusCompleted
	default:
		e.Kind, e.Status = KindCustom, StatusCompleted
	}

	e.SpanID = spanIDForRuntimeEvent(in)
	e.ParentSpanID = parentSpanIDForRuntimeEvent(in)
	e.Normalize()
	return e
}

func spanIDForRuntimeEvent(in types.Event) string {
	if in.TurnID == "" {
		return ""
	}
	if in.ToolCallID != "" {
		return fmt.Sprintf("%s:tool:%d:%s", in.TurnID, in.Iteration, in.ToolCallID)
	}
	if in.Iteration > 0 {
		return fmt.Sprintf("%s:gen:%d", in.TurnID, in.Iteration)
	}
	return in.TurnID
}

func parentSpanIDForRuntimeEvent(in types.Event) string {
	if in.TurnID == "" {
		return ""
	}
	if in.ToolCallID != "" {
		return fmt.Sprintf("%s:gen:%d", in.TurnID, in.Iteration)
	}
	if in.Iteration > 0 {
		return in.TurnID
	}
	return ""
}
