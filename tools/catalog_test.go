package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/qoe-assistant/dataset"
	"github.com/PipeOpsHQ/qoe-assistant/qoe"
)

func newCatalog(t *testing.T, records ...dataset.Record) *Registry {
	t.Helper()
	d, err := dataset.New(records)
	if err != nil {
		t.Fatalf("dataset.New failed: %v", err)
	}
	engine, err := qoe.NewEngine(d)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	reg, err := NewCatalog(engine)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	return reg
}

func rec(sec int64, client, server string, bitrate, rtt float64) dataset.Record {
	return dataset.Record{Timestamp: time.Unix(sec, 0).UTC(), Client: client, Server: server, Bitrate: bitrate, RTT: rtt}
}

func run(t *testing.T, reg *Registry, name Name, args string) string {
	t.Helper()
	out, err := reg.Execute(context.Background(), string(name), json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s(%s) failed: %v", name, args, err)
	}
	if s, ok := out.(string); ok {
		return s
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("failed to encode %s result: %v", name, err)
	}
	return string(raw)
}

func networkCatalog(t *testing.T) *Registry {
	// 2024-01-01 00:00:00 UTC onwards.
	return newCatalog(t,
		rec(1704067200, "SP", "RJ", 100, 10),
		rec(1704070800, "SP", "RJ", 300, 30),
		rec(1704074400, "SP", "MG", 90, 30),
		rec(1704078000, "RJ", "MG", 50, 0),
	)
}

func TestCatalog_SinglePairRoundTrip(t *testing.T) {
	reg := newCatalog(t,
		rec(1704067200, "SP", "RJ", 100, 10),
		rec(1704067260, "SP", "RJ", 300, 30),
	)
	got := run(t, reg, NameClientMeans, `{"cliente":"SP"}`)
	want := `{"(SP, RJ)":{"bitrate":200,"latencia":20}}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCatalog_QoETablesAreOrderedAndGuardZeroLatency(t *testing.T) {
	reg := networkCatalog(t)

	got := run(t, reg, NameClientQoEs, `{"cliente":"SP"}`)
	if want := `{"(SP, MG)":{"qoe":3},"(SP, RJ)":{"qoe":10}}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	got = run(t, reg, NameServerQoEs, `{"servidor":"MG"}`)
	want := `{"(RJ, MG)":{"qoe":"` + UndefinedQoE + `"},"(SP, MG)":{"qoe":3}}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if strings.Contains(got, "Inf") || strings.Contains(got, "NaN") {
		t.Fatalf("undefined QoE leaked as a number: %s", got)
	}

	got = run(t, reg, NamePairMeans, `{"cliente":"SP","servidor":"RJ","data_inicio":"2024-01-01 00:00:00","data_fim":"2024-01-01 00:30:00"}`)
	if want := `{"(SP, RJ)":{"bitrate":100,"latencia":10}}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	got = run(t, reg, NameServerMeans, `{"servidor":"RJ","data_fim":"2024-01-01T01:00:00Z"}`)
	if want := `{"(SP, RJ)":{"bitrate":200,"latencia":20}}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCatalog_UnknownEntityIsDataLevel(t *testing.T) {
	reg := networkCatalog(t)
	tests := []struct {
		name Name
		args string
		want string
	}{
		{NameClientQoEs, `{"cliente":"AM"}`, "O cliente AM não existe na rede."},
		{NameServerQoEs, `{"servidor":"AM"}`, "O servidor AM não existe na rede."},
		{NameClientMeans, `{"cliente":"AM"}`, "O cliente AM não existe na rede."},
		{NameServerMeans, `{"servidor":"AM"}`, "O servidor AM não existe na rede."},
		{NamePairMeans, `{"cliente":"AM","servidor":"RJ"}`, "O cliente AM não existe na rede."},
		{NamePairMeans, `{"cliente":"SP","servidor":"AM"}`, "O servidor AM não existe na rede."},
		{NamePairMeans, `{"cliente":"RJ","servidor":"RJ"}`, "O cliente RJ não se conecta ao servidor RJ"},
	}
	for _, tt := range tests {
		if got := run(t, reg, tt.name, tt.args); got != tt.want {
			t.Fatalf("%s(%s): expected %q, got %q", tt.name, tt.args, tt.want, got)
		}
	}
}

func TestCatalog_EmptyRange(t *testing.T) {
	reg := networkCatalog(t)
	const empty = "Não há dados para essas datas."
	for _, args := range []string{
		`{"cliente":"SP","data_inicio":"2024-01-02 00:00:00","data_fim":"2024-01-01 00:00:00"}`,
		`{"cliente":"SP","data_inicio":"2023-01-01","data_fim":"2023-06-01"}`,
		`{"cliente":"SP","data_inicio":"2025-01-01 00:00:00"}`,
	} {
		if got := run(t, reg, NameClientQoEs, args); got != empty {
			t.Fatalf("%s: expected empty range, got %q", args, got)
		}
		if got := run(t, reg, NameClientMeans, args); got != empty {
			t.Fatalf("%s: expected empty range, got %q", args, got)
		}
	}
}

func TestCatalog_Scalars(t *testing.T) {
	reg := networkCatalog(t)
	if got := run(t, reg, NameComputeQoE, `{"bitrate":100,"latencia":50}`); got != "O QoE calculado é 2.0" {
		t.Fatalf("unexpected calcula_qoe result %q", got)
	}
	if got := run(t, reg, NameComputeQoE, `{"bitrate":100,"latencia":0}`); !strings.Contains(got, "latência informada é zero") {
		t.Fatalf("expected undefined QoE sentence, got %q", got)
	}
	if got := run(t, reg, NameMeanQoE, `{"lista_valores_qoe":[1,2,3]}`); got != "A média dos valores dos QoEs é 2.0" {
		t.Fatalf("unexpected media_qoe result %q", got)
	}
	got := run(t, reg, NameVarianceQoE, `{"lista_valores_qoe":[1,2,3]}`)
	if !strings.HasPrefix(got, "A variancia dos valores dos QoEs é 0.666666") {
		t.Fatalf("expected population variance 2/3, got %q", got)
	}
	if got := run(t, reg, NameVarianceQoE, `{"lista_valores_qoe":[]}`); got != "A lista de valores de QoE está vazia." {
		t.Fatalf("unexpected empty list result %q", got)
	}
}

func TestCatalog_ScalarsOutOfRange(t *testing.T) {
	reg := networkCatalog(t)
	tests := []struct {
		name Name
		args string
		want string
	}{
		{NameComputeQoE, `{"bitrate":1e308,"latencia":1e-308}`, "O QoE não pode ser calculado: o resultado excede o intervalo numérico representável."},
		{NameMeanQoE, `{"lista_valores_qoe":[1e308,1e308]}`, "A média dos valores dos QoEs é indefinida: o resultado excede o intervalo numérico representável."},
		{NameVarianceQoE, `{"lista_valores_qoe":[1e308,-1e308]}`, "A variancia dos valores dos QoEs é indefinida: o resultado excede o intervalo numérico representável."},
	}
	for _, tt := range tests {
		got := run(t, reg, tt.name, tt.args)
		if got != tt.want {
			t.Fatalf("%s(%s): expected %q, got %q", tt.name, tt.args, tt.want, got)
		}
		if strings.Contains(got, "Inf") || strings.Contains(got, "NaN") {
			t.Fatalf("%s(%s) leaked a non-finite number: %q", tt.name, tt.args, got)
		}
	}
}

func TestParseDate_DayFirst(t *testing.T) {
	tests := map[string]time.Time{
		"02/01/2024":          time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC),
		"31/03/2024 10:30:00": time.Date(2024, time.March, 31, 10, 30, 0, 0, time.UTC),
		"2024-02-01 00:00:00": time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range tests {
		got, err := parseDate(in)
		if err != nil {
			t.Fatalf("parseDate(%q) failed: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parseDate(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestCatalog_InvalidArgumentsAreErrors(t *testing.T) {
	reg := networkCatalog(t)
	for _, tc := range []struct {
		name Name
		args string
	}{
		{NameClientQoEs, `{}`},
		{NameClientQoEs, `{"cliente":""}`},
		{NamePairMeans, `{"cliente":"SP"}`},
		{NameComputeQoE, `{"bitrate":"alto","latencia":1}`},
		{NameComputeQoE, `{"bitrate":100,"latencia":-50}`},
		{NameMeanQoE, `{"lista_valores_qoe":"1,2"}`},
		{NameClientMeans, `{"cliente":"SP","data_inicio":"ontem"}`},
	} {
		if _, err := reg.Execute(context.Background(), string(tc.name), json.RawMessage(tc.args)); err == nil {
			t.Fatalf("%s(%s): expected error", tc.name, tc.args)
		}
	}
}

func TestCatalog_BundlesAndSchemaDefaults(t *testing.T) {
	reg := networkCatalog(t)

	defaults, err := reg.Select([]string{"@" + BundleDefault})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	var names []string
	for _, tool := range defaults {
		names = append(names, tool.Definition().Name)
	}
	want := []string{
		"get_bitrate_latencia",
		"calcula_qoe",
		"media_qoe",
		"variancia_qoe",
		"get_bitrates_latencias_cliente",
		"get_bitrates_latencias_servidor",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("default bundle mismatch (-want +got):\n%s", diff)
	}

	all, err := reg.Select([]string{"@" + BundleAll})
	if err != nil || len(all) != len(Names()) {
		t.Fatalf("expected every tool in the all bundle, got %d (%v)", len(all), err)
	}

	tool, ok := reg.Lookup(string(NameClientQoEs))
	if !ok {
		t.Fatalf("expected %s to be registered", NameClientQoEs)
	}
	props := tool.Definition().JSONSchema["properties"].(map[string]any)
	if got := props["data_inicio"].(map[string]any)["default"]; got != "2024-01-01 00:00:00" {
		t.Fatalf("unexpected data_inicio default %v", got)
	}
	if got := props["data_fim"].(map[string]any)["default"]; got != "2024-01-01 03:00:00" {
		t.Fatalf("unexpected data_fim default %v", got)
	}
	required, _ := tool.Definition().JSONSchema["required"].([]any)
	if len(required) != 1 || required[0] != "cliente" {
		t.Fatalf("expected cliente to be the only required argument, got %v", required)
	}
}
