// Package display renders a conversation to a terminal: user and assistant
// messages, and a status block per tool call with its input and output.
package display

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// Greeting opens every display session and every reset.
const Greeting = "Olá, como posso ajudar?"

type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	label     lipgloss.Style
	toolBox   lipgloss.Style
	errorBox  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		label:     r.NewStyle().Bold(true),
		toolBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1),
		errorBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1),
	}
}

// Renderer is a display sink. Tool calls are remembered by id until their
// result arrives, so outputs are matched to the right call even when
// several calls of the same tool are in flight.
type Renderer struct {
	mu      sync.Mutex
	w       io.Writer
	st      styles
	pending map[string]types.ToolCall
}

func New(w io.Writer) *Renderer {
	return &Renderer{
		w:       w,
		st:      newStyles(lipgloss.NewRenderer(w)),
		pending: make(map[string]types.ToolCall),
	}
}

// Greet prints the greeting as an assistant message.
func (r *Renderer) Greet() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistantLine(Greeting)
}

// Reset forgets pending tool calls and greets again. The conversation
// itself is not touched.
func (r *Renderer) Reset() {
	r.mu.Lock()
	r.pending = make(map[string]types.ToolCall)
	r.mu.Unlock()
	r.Greet()
}

// HandleEvent renders message events and ignores everything else, so it
// can be passed directly as a turn event callback.
func (r *Renderer) HandleEvent(ev types.Event) {
	if ev.Type != types.EventMessage || ev.Message == nil {
		return
	}
	r.Message(*ev.Message)
}

// Replay renders a stored history the same way it was rendered live.
func (r *Renderer) Replay(history []types.Message) {
	r.Greet()
	for _, msg := range history {
		r.Message(msg)
	}
}

func (r *Renderer) Message(msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Role {
	case types.RoleUser:
		fmt.Fprintf(r.w, "%s %s\n", r.st.user.Render("Você:"), msg.Content)
	case types.RoleAssistant:
		if msg.Content != "" {
			r.assistantLine(msg.Content)
		}
		for _, call := range msg.ToolCalls {
			r.pending[call.ID] = call
			body := r.st.label.Render("Tool Call: "+call.Name) + "\n" +
				r.st.label.Render("Input:") + "\n" + prettyJSON(call.Arguments)
			fmt.Fprintln(r.w, r.st.toolBox.Render(body))
		}
	case types.RoleTool:
		name := msg.Name
		if call, ok := r.pending[msg.ToolCallID]; ok {
			name = call.Name
			delete(r.pending, msg.ToolCallID)
		}
		box := r.st.toolBox
		if isErrorPayload(msg.Content) {
			box = r.st.errorBox
		}
		body := r.st.label.Render("Tool Call: "+name) + "\n" +
			r.st.label.Render("Output:") + "\n" + prettyText(msg.Content)
		fmt.Fprintln(r.w, box.Render(body))
	}
}

func (r *Renderer) assistantLine(content string) {
	fmt.Fprintf(r.w, "%s %s\n", r.st.assistant.Render("Assistente:"), content)
}

func prettyJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func prettyText(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return prettyJSON(json.RawMessage(trimmed))
	}
	return s
}

func isErrorPayload(s string) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return false
	}
	_, ok := payload["error"]
	return ok && len(payload) == 1
}
