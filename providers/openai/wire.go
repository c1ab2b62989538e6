package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// chatMessage.Content is a string on requests. Replies may carry a string,
// null or a list of content parts.
type chatMessage struct {
	Role       string          `json:"role"`
	Name       string          `json:"name,omitempty"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatCompletion struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func newChatRequest(model string, temperature *float64, req types.Request) chatRequest {
	out := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)+1),
		MaxTokens:   req.MaxOutputTokens,
		Temperature: temperature,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: textContent(req.SystemPrompt)})
	}
	for _, m := range req.Messages {
		if cm, ok := encodeMessage(m); ok {
			out.Messages = append(out.Messages, cm)
		}
	}
	if len(req.Tools) > 0 {
		out.ToolChoice = "auto"
		out.Tools = make([]chatTool, 0, len(req.Tools))
		for _, def := range req.Tools {
			out.Tools = append(out.Tools, encodeTool(def))
		}
	}
	return out
}

// encodeMessage maps one history entry. Roles the API has no slot for are
// skipped.
func encodeMessage(m types.Message) (chatMessage, bool) {
	switch m.Role {
	case types.RoleUser:
		return chatMessage{Role: "user", Content: textContent(m.Content)}, true
	case types.RoleAssistant:
		cm := chatMessage{Role: "assistant", Content: textContent(m.Content)}
		for _, tc := range m.ToolCalls {
			args := strings.TrimSpace(string(tc.Arguments))
			if args == "" {
				args = "{}"
			}
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: args},
			})
		}
		return cm, true
	case types.RoleTool:
		return chatMessage{Role: "tool", Name: m.Name, ToolCallID: m.ToolCallID, Content: textContent(m.Content)}, true
	default:
		return chatMessage{}, false
	}
}

func encodeTool(def types.ToolDefinition) chatTool {
	params := def.JSONSchema
	if len(params) == 0 {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return chatTool{
		Type:     "function",
		Function: chatFunction{Name: def.Name, Description: def.Description, Parameters: params},
	}
}

func textContent(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// parseResponse maps a chat completion onto a response. A reply without
// choices, or whose first choice has neither content nor tool calls, yields
// an empty assistant message; the agent treats it as degenerate.
func parseResponse(body []byte) (types.Response, error) {
	var completion chatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode openai response: %w", err)
	}

	var out types.Response
	out.Message.Role = types.RoleAssistant
	if len(completion.Choices) > 0 {
		msg := completion.Choices[0].Message
		out.Message.Content = decodeContent(msg.Content)
		for _, tc := range msg.ToolCalls {
			out.Message.ToolCalls = append(out.Message.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: normalizeJSONArgs(tc.Function.Arguments),
			})
		}
	}
	if u := completion.Usage; u != nil && u.TotalTokens > 0 {
		out.Usage = &types.Usage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
		}
	}
	return out, nil
}

// decodeContent flattens reply content to text. Content parts other than
// text are ignored.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// normalizeJSONArgs keeps tool arguments valid JSON. Malformed arguments are
// wrapped as {"raw": "..."} so schema validation reports them to the model.
func normalizeJSONArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": raw})
	return wrapped
}
