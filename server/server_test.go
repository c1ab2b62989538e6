package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PipeOpsHQ/qoe-assistant/agent"
	"github.com/PipeOpsHQ/qoe-assistant/dataset"
	"github.com/PipeOpsHQ/qoe-assistant/llm"
	"github.com/PipeOpsHQ/qoe-assistant/observe/metrics"
	"github.com/PipeOpsHQ/qoe-assistant/qoe"
	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/tools"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// toolThenAnswer asks for calcula_qoe on the first call of every turn and
// answers with the tool output on the second.
type toolThenAnswer struct {
	mu sync.Mutex
}

func (p *toolThenAnswer) Name() string { return "fake" }

func (p *toolThenAnswer) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }

func (p *toolThenAnswer) Generate(_ context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	if last.Role == types.RoleTool {
		return types.Response{Message: types.Message{Content: "Resultado: " + last.Content}}, nil
	}
	return types.Response{Message: types.Message{ToolCalls: []types.ToolCall{{
		ID:        "call-1",
		Name:      "calcula_qoe",
		Arguments: json.RawMessage(`{"bitrate":100,"latencia":50}`),
	}}}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	d, err := dataset.New([]dataset.Record{
		{Timestamp: time.Unix(1704067200, 0).UTC(), Client: "SP", Server: "RJ", Bitrate: 100, RTT: 10},
	})
	if err != nil {
		t.Fatalf("dataset.New failed: %v", err)
	}
	engine, err := qoe.NewEngine(d)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	reg, err := tools.NewCatalog(engine)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	bound, err := reg.Select([]string{"@" + tools.BundleDefault})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	promReg := prometheus.NewRegistry()
	sink, err := metrics.New(promReg)
	if err != nil {
		t.Fatalf("metrics.New failed: %v", err)
	}
	a, err := agent.New(&toolThenAnswer{}, agent.WithTools(bound...), agent.WithObserver(sink))
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}
	s, err := New(Config{Agent: a, Dataset: d, Registry: reg, Gatherer: promReg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, promReg
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s failed: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s failed: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServer_ReadEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var health map[string]any
	if code := getJSON(t, ts.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", code, health)
	}

	var summary dataset.Summary
	if code := getJSON(t, ts.URL+"/api/v1/dataset", &summary); code != http.StatusOK || summary.Rows != 1 {
		t.Fatalf("unexpected dataset summary %d %+v", code, summary)
	}

	var catalog struct {
		Bound   []types.ToolDefinition `json:"bound"`
		Tools   []tools.ToolInfo       `json:"tools"`
		Bundles []tools.Bundle         `json:"bundles"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/tools", &catalog); code != http.StatusOK {
		t.Fatalf("unexpected tools status %d", code)
	}
	if len(catalog.Bound) != 6 || len(catalog.Tools) != 8 || len(catalog.Bundles) != 2 {
		t.Fatalf("unexpected catalog sizes: %d bound, %d tools, %d bundles", len(catalog.Bound), len(catalog.Tools), len(catalog.Bundles))
	}

	var created map[string]string
	if code := postJSON(t, ts.URL+"/api/v1/sessions", "", &created); code != http.StatusCreated || created["id"] == "" {
		t.Fatalf("unexpected new session %d %v", code, created)
	}

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for wrong method, got %d", resp.StatusCode)
	}
}

func TestServer_TurnAndHistory(t *testing.T) {
	ts, promReg := newTestServer(t)
	base := ts.URL + "/api/v1/sessions/sess-1"

	var res types.TurnResult
	if code := postJSON(t, base+"/messages", `{"content":"qual o qoe?"}`, &res); code != http.StatusOK {
		t.Fatalf("unexpected turn status %d", code)
	}
	if res.Output != "Resultado: O QoE calculado é 2.0" || res.SessionID != "sess-1" {
		t.Fatalf("unexpected turn result %+v", res)
	}

	var history struct {
		Messages []types.Message `json:"messages"`
	}
	if code := getJSON(t, base+"/messages", &history); code != http.StatusOK || len(history.Messages) != 4 {
		t.Fatalf("unexpected history %d %+v", code, history)
	}

	var sessions struct {
		Sessions []struct {
			ID       string `json:"id"`
			Messages int    `json:"messages"`
		} `json:"sessions"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/sessions", &sessions); code != http.StatusOK || len(sessions.Sessions) != 1 || sessions.Sessions[0].Messages != 4 {
		t.Fatalf("unexpected sessions %d %+v", code, sessions)
	}

	var turns struct {
		Turns []struct {
			Status string `json:"status"`
		} `json:"turns"`
	}
	if code := getJSON(t, base+"/turns?status=completed", &turns); code != http.StatusOK || len(turns.Turns) != 1 {
		t.Fatalf("unexpected turns %d %+v", code, turns)
	}

	var errBody map[string]string
	if code := postJSON(t, base+"/messages", `{"content":"  "}`, &errBody); code != http.StatusBadRequest || errBody["error"] == "" {
		t.Fatalf("expected 400 for empty content, got %d %v", code, errBody)
	}
	if code := postJSON(t, base+"/messages", `not json`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", code)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `qoe_assistant_turns_total{status="completed"} 1`) {
		t.Fatalf("expected turn counter in metrics output:\n%s", body)
	}
	if _, err := promReg.Gather(); err != nil {
		t.Fatalf("gather failed: %v", err)
	}
}

func TestServer_Stream(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/sess-ws/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"content": ""}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != FrameError {
		t.Fatalf("expected error frame for empty content, got %+v (%v)", frame, err)
	}

	if err := conn.WriteJSON(map[string]string{"content": "qual o qoe?"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var messages []types.Message
	for {
		var f streamFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if f.Type == FrameEvent && f.Event.Type == types.EventMessage {
			messages = append(messages, *f.Event.Message)
		}
		if f.Type == FrameResult {
			if f.Result.Output != "Resultado: O QoE calculado é 2.0" {
				t.Fatalf("unexpected result %+v", f.Result)
			}
			break
		}
		if f.Type == FrameError {
			t.Fatalf("unexpected error frame %q", f.Error)
		}
	}
	if len(messages) != 4 || messages[2].ToolCallID != "call-1" {
		t.Fatalf("expected 4 streamed messages with the tool result correlated, got %+v", messages)
	}
}

// blockingProvider holds every generation until its context is canceled.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Capabilities() llm.Capabilities { return llm.Capabilities{} }

func (p *blockingProvider) Generate(ctx context.Context, _ types.Request) (types.Response, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return types.Response{}, ctx.Err()
}

func TestServer_CloseWaitsForStreamTurns(t *testing.T) {
	p := &blockingProvider{started: make(chan struct{}, 1)}
	a, err := agent.New(p)
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}
	s, err := New(Config{Agent: a, Gatherer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/sess-close/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"content": "oi"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("turn never reached the provider")
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}

	turns, err := a.Store().ListTurns(context.Background(), session.ListTurnsQuery{SessionID: "sess-close"})
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 1 || turns[0].Status != session.TurnFailed {
		t.Fatalf("expected the running turn to be finished as failed before Close returned, got %+v", turns)
	}

	if code := postJSON(t, ts.URL+"/api/v1/sessions/sess-close/messages", `{"content":"oi"}`, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after Close, got %d", code)
	}
}
