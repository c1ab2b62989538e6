package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func echoTool(name Name) Tool {
	return NewFuncTool(string(name), "echo", map[string]any{"type": "object"}, func(_ context.Context, args json.RawMessage) (any, error) {
		return string(args), nil
	})
}

func TestRegistry_RejectsNamesOutsideEnumeration(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(echoTool(Name("shell_command")))
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if err := reg.Register(echoTool(NameMeanQoE)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(echoTool(NameMeanQoE)); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegistry_SelectBundleAndWildcard(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []Name{NameMeanQoE, NameVarianceQoE, NameComputeQoE} {
		if err := reg.Register(echoTool(n)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if err := reg.RegisterBundle("stats", "statistics", []Name{NameVarianceQoE, NameMeanQoE}); err != nil {
		t.Fatalf("RegisterBundle failed: %v", err)
	}

	selected, err := reg.Select([]string{"@stats", "media_qoe", "calcula_qoe"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	var got []string
	for _, tool := range selected {
		got = append(got, tool.Definition().Name)
	}
	want := []string{"variancia_qoe", "media_qoe", "calcula_qoe"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}

	all, err := reg.Select([]string{"*"})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 tools from wildcard, got %d (%v)", len(all), err)
	}

	if _, err := reg.Select([]string{"@nope"}); err == nil || !strings.Contains(err.Error(), "unknown tool bundle") {
		t.Fatalf("expected unknown bundle error, got %v", err)
	}
	if _, err := reg.Select([]string{"get_bitrate_latencia"}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool for unregistered name, got %v", err)
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Execute(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestTypedTool_ValidatesBeforeDecoding(t *testing.T) {
	type args struct {
		Value float64 `json:"value"`
		Label string  `json:"label,omitempty"`
	}
	calls := 0
	tool, err := NewTypedTool("calcula_qoe", "test", func(_ context.Context, in args) (any, error) {
		calls++
		return in.Value * 2, nil
	}, WithDefault("label", "x"))
	if err != nil {
		t.Fatalf("NewTypedTool failed: %v", err)
	}

	schema := tool.Definition().JSONSchema
	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %#v", schema)
	}
	if _, ok := schema["$schema"]; ok {
		t.Fatalf("$schema must be stripped")
	}
	props := schema["properties"].(map[string]any)
	if props["label"].(map[string]any)["default"] != "x" {
		t.Fatalf("expected default on label, got %#v", props["label"])
	}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"value": 21}`))
	if err != nil || out != 42.0 {
		t.Fatalf("unexpected result %v (%v)", out, err)
	}

	for _, raw := range []string{`{}`, `{"value":"high"}`, `not json`} {
		if _, err := tool.Execute(context.Background(), json.RawMessage(raw)); err == nil || !strings.Contains(err.Error(), "invalid arguments") {
			t.Fatalf("expected invalid arguments error for %s, got %v", raw, err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler must only run for valid arguments, got %d calls", calls)
	}
}
