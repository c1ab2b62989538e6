package gemini

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

func TestParseGeminiResponse_AssignsCallIDs(t *testing.T) {
	resp := parseGeminiResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "pensando", Thought: true},
				{Text: " Vou consultar. "},
				{FunctionCall: &genai.FunctionCall{Name: "media_qoe", Args: map[string]any{"lista_valores_qoe": []any{1, 2}}}},
				{FunctionCall: &genai.FunctionCall{ID: "given", Name: "media_qoe"}},
			}},
		}},
	})

	if resp.Message.Content != "Vou consultar." {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.Message.ToolCalls))
	}
	if id := resp.Message.ToolCalls[0].ID; id != "call_1" {
		t.Fatalf("expected positional id, got %q", id)
	}
	if id := resp.Message.ToolCalls[1].ID; id != "given" {
		t.Fatalf("expected provider id to be kept, got %q", id)
	}
	if args := string(resp.Message.ToolCalls[1].Arguments); args != "{}" {
		t.Fatalf("expected empty args object, got %s", args)
	}
}

func TestParseGeminiResponse_NoCandidatesIsDegenerate(t *testing.T) {
	for _, in := range []*genai.GenerateContentResponse{nil, {}} {
		resp := parseGeminiResponse(in)
		if !resp.Message.IsDegenerate() {
			t.Fatalf("expected degenerate message, got %+v", resp.Message)
		}
	}
}

func TestToGeminiContents(t *testing.T) {
	contents := toGeminiContents([]types.Message{
		{Role: types.RoleUser, Content: "qual o qoe de SP?"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "calcula_qoes_cliente", Arguments: json.RawMessage(`{"cliente":"SP"}`)}}},
		{Role: types.RoleTool, Name: "calcula_qoes_cliente", ToolCallID: "c1", Content: `{"(SP, RJ)":{"qoe":10}}`},
		{Role: types.RoleTool, Name: "calcula_qoe", ToolCallID: "c2", Content: "O QoE calculado é 2.0"},
	})
	if len(contents) != 4 {
		t.Fatalf("expected 4 contents, got %d", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) || contents[1].Parts[0].FunctionCall.Args["cliente"] != "SP" {
		t.Fatalf("unexpected model content %+v", contents[1].Parts[0])
	}
	object := contents[2].Parts[0].FunctionResponse
	if object.ID != "c1" || object.Response["(SP, RJ)"] == nil {
		t.Fatalf("expected JSON tool output as object response, got %+v", object)
	}
	text := contents[3].Parts[0].FunctionResponse
	if text.Response["output"] != "O QoE calculado é 2.0" {
		t.Fatalf("expected plain tool output under output key, got %+v", text.Response)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatalf("expected error without API key")
	}
}
