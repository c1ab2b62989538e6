package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

func TestGenerate_RoundTripsToolCalls(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		_, _ = io.WriteString(w, `{
			"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"calcula_qoe","arguments":"{\"bitrate\":100,\"latencia\":50}"}}
			]}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`)
	}))
	defer srv.Close()

	c, err := New("sk-test", WithBaseURL(srv.URL+"/"), WithModel("gpt-test"), WithTemperature(0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	resp, err := c.Generate(context.Background(), types.Request{
		SystemPrompt: "sys",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "qual o qoe?"},
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c0", Name: "media_qoe"}}},
			{Role: types.RoleTool, Name: "media_qoe", ToolCallID: "c0", Content: "A média dos valores dos QoEs é 2.0"},
		},
		Tools: []types.ToolDefinition{{Name: "calcula_qoe", Description: "calcula"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if captured.Model != "gpt-test" || captured.ToolChoice != "auto" || len(captured.Tools) != 1 {
		t.Fatalf("unexpected request %+v", captured)
	}
	if captured.Temperature == nil || *captured.Temperature != 0 {
		t.Fatalf("expected explicit zero temperature")
	}
	roles := make([]string, 0, len(captured.Messages))
	for _, m := range captured.Messages {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]string{"system", "user", "assistant", "tool"}, roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if got := captured.Messages[2].ToolCalls[0].Function.Arguments; got != "{}" {
		t.Fatalf("expected empty arguments to be sent as {}, got %q", got)
	}

	want := types.Response{
		Message: types.Message{
			Role: types.RoleAssistant,
			ToolCalls: []types.ToolCall{{
				ID:        "call_1",
				Name:      "calcula_qoe",
				Arguments: json.RawMessage(`{"bitrate":100,"latencia":50}`),
			}},
		},
		Usage: &types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestParseResponse_EmptyChoiceIsDegenerateNotError(t *testing.T) {
	resp, err := parseResponse([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	if err != nil {
		t.Fatalf("parseResponse failed: %v", err)
	}
	if !resp.Message.IsDegenerate() {
		t.Fatalf("expected degenerate message, got %+v", resp.Message)
	}
	if resp.Usage != nil {
		t.Fatalf("expected no usage, got %+v", resp.Usage)
	}
	for _, body := range []string{`{"choices":[]}`, `{}`} {
		resp, err := parseResponse([]byte(body))
		if err != nil {
			t.Fatalf("parseResponse(%s) failed: %v", body, err)
		}
		if !resp.Message.IsDegenerate() || resp.Message.Role != types.RoleAssistant {
			t.Fatalf("parseResponse(%s): expected degenerate assistant message, got %+v", body, resp.Message)
		}
	}
	if _, err := parseResponse([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseResponse_ContentParts(t *testing.T) {
	resp, err := parseResponse([]byte(`{"choices":[{"message":{"role":"assistant","content":[
		{"type":"text","text":"O QoE de SP é "},
		{"type":"image_url","image_url":{"url":"x"}},
		{"type":"text","text":"10.0"}
	]}}]}`))
	if err != nil {
		t.Fatalf("parseResponse failed: %v", err)
	}
	if got := resp.Message.Content; got != "O QoE de SP é 10.0" {
		t.Fatalf("unexpected flattened content %q", got)
	}
}

func TestNormalizeJSONArgs(t *testing.T) {
	if got := string(normalizeJSONArgs("  ")); got != "{}" {
		t.Fatalf("expected {}, got %s", got)
	}
	if got := string(normalizeJSONArgs(`{"cliente":`)); got != `{"raw":"{\"cliente\":"}` {
		t.Fatalf("expected wrapped raw args, got %s", got)
	}
}

func TestGenerate_APIErrorAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "slow") {
			time.Sleep(200 * time.Millisecond)
		}
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := New("sk-test", WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), types.Request{Messages: []types.Message{{Role: types.RoleUser, Content: "oi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected APIError with status 429, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota") {
		t.Fatalf("expected API error body in message, got %v", err)
	}

	slow, _ := New("slow", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
	if _, err := slow.Generate(context.Background(), types.Request{}); err == nil {
		t.Fatalf("expected timeout error")
	}

	if _, err := New(""); err == nil {
		t.Fatalf("expected error without API key")
	}
}
