package types

import "time"

type EventType string

const (
	EventTurnStarted        EventType = "turn.started"
	EventBeforeGenerate     EventType = "turn.before_generate"
	EventAfterGenerate      EventType = "turn.after_generate"
	EventDegenerateResponse EventType = "turn.degenerate_response"
	EventBeforeTool         EventType = "turn.before_tool"
	EventAfterTool          EventType = "turn.after_tool"
	EventMessage            EventType = "turn.message"
	EventTurnCompleted      EventType = "turn.completed"
	EventTurnFailed         EventType = "turn.failed"
)

// Event is a runtime notification emitted while a turn runs. EventMessage
// events carry every message appended to the session history, in order, so a
// display sink can render the conversation as it grows.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	TurnID     string    `json:"turnId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Iteration  int       `json:"iteration,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Note       string    `json:"note,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    *Message  `json:"message,omitempty"`
}
