package qoe

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/qoe-assistant/dataset"
)

func rec(sec int64, client, server string, bitrate, rtt float64) dataset.Record {
	return dataset.Record{Timestamp: time.Unix(sec, 0).UTC(), Client: client, Server: server, Bitrate: bitrate, RTT: rtt}
}

func newEngine(t *testing.T, records ...dataset.Record) *Engine {
	t.Helper()
	d, err := dataset.New(records)
	if err != nil {
		t.Fatalf("dataset.New failed: %v", err)
	}
	e, err := NewEngine(d)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestRatio(t *testing.T) {
	v, err := Ratio(100, 50)
	if err != nil {
		t.Fatalf("Ratio failed: %v", err)
	}
	if v != 2.0 {
		t.Fatalf("expected 2.0, got %v", v)
	}

	for _, tc := range []struct{ bitrate, latency float64 }{
		{100, 0},
		{0, 0},
		{math.NaN(), 1},
		{1, math.Inf(1)},
	} {
		if _, err := Ratio(tc.bitrate, tc.latency); !errors.Is(err, ErrUndefined) {
			t.Fatalf("Ratio(%v, %v): expected ErrUndefined, got %v", tc.bitrate, tc.latency, err)
		}
	}

	if _, err := Ratio(100, 0); !errors.Is(err, ErrZeroLatency) {
		t.Fatalf("expected ErrZeroLatency, got %v", err)
	}
	if _, err := Ratio(1e308, 1e-308); !errors.Is(err, ErrOverflow) || errors.Is(err, ErrZeroLatency) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if _, err := Ratio(100, -50); !errors.Is(err, ErrNegativeLatency) {
		t.Fatalf("expected ErrNegativeLatency, got %v", err)
	}
}

func TestMeanAndVariance_Overflow(t *testing.T) {
	if _, err := Mean([]float64{1e308, 1e308}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Mean: expected ErrOverflow, got %v", err)
	}
	if _, err := Variance([]float64{1e308, -1e308}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Variance: expected ErrOverflow, got %v", err)
	}
}

func TestGroupByPair_MeanOfMeansRatio(t *testing.T) {
	records := []dataset.Record{
		rec(1, "SP", "RJ", 100, 10),
		rec(2, "SP", "RJ", 300, 30),
		rec(3, "SP", "MG", 90, 9),
		rec(4, "SP", "MG", 10, 1),
		rec(5, "RJ", "SP", 50, 25),
	}
	got := GroupByPair(records)
	want := []PairMeans{
		{Pair: dataset.Pair{Client: "RJ", Server: "SP"}, Bitrate: 50, Latency: 25, Samples: 1},
		{Pair: dataset.Pair{Client: "SP", Server: "MG"}, Bitrate: 50, Latency: 5, Samples: 2},
		{Pair: dataset.Pair{Client: "SP", Server: "RJ"}, Bitrate: 200, Latency: 20, Samples: 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("GroupByPair mismatch (-want +got):\n%s", diff)
	}
	for _, m := range got {
		q, err := m.QoE()
		if err != nil {
			t.Fatalf("QoE for %s failed: %v", m.Pair, err)
		}
		if q != m.Bitrate/m.Latency {
			t.Fatalf("QoE for %s: expected %v, got %v", m.Pair, m.Bitrate/m.Latency, q)
		}
	}
}

func TestMeanAndPopulationVariance(t *testing.T) {
	values := []float64{1, 2, 3}
	mean, err := Mean(values)
	if err != nil || mean != 2 {
		t.Fatalf("expected mean 2, got %v (%v)", mean, err)
	}
	variance, err := Variance(values)
	if err != nil {
		t.Fatalf("Variance failed: %v", err)
	}
	// Population variance divides by N; the sample variance would be 1.0.
	if math.Abs(variance-2.0/3.0) > 1e-12 {
		t.Fatalf("expected population variance 2/3, got %v", variance)
	}

	if _, err := Mean(nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Variance([]float64{}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Variance([]float64{1, math.NaN()}); !errors.Is(err, ErrNotFinite) {
		t.Fatalf("expected ErrNotFinite, got %v", err)
	}
	if v, _ := Variance([]float64{5}); v != 0 {
		t.Fatalf("expected zero variance for a single value, got %v", v)
	}
}

func TestEngine_Shapes(t *testing.T) {
	e := newEngine(t,
		rec(100, "SP", "RJ", 100, 10),
		rec(200, "SP", "RJ", 200, 10),
		rec(300, "SP", "MG", 60, 20),
		rec(400, "BA", "RJ", 80, 0),
	)

	client := e.ClientQoE("SP", Window{})
	if !client.OK() || len(client.Pairs) != 2 {
		t.Fatalf("unexpected client outcome: %#v", client)
	}
	qoes := client.QoEs()
	if qoes[0].Pair.Server != "MG" || qoes[0].Value != 3 || !qoes[0].Defined {
		t.Fatalf("unexpected SP/MG QoE: %#v", qoes[0])
	}
	if qoes[1].Pair.Server != "RJ" || qoes[1].Value != 15 {
		t.Fatalf("unexpected SP/RJ QoE: %#v", qoes[1])
	}

	server := e.ServerQoE("RJ", Window{})
	if !server.OK() || len(server.Pairs) != 2 {
		t.Fatalf("unexpected server outcome: %#v", server)
	}
	for _, q := range server.QoEs() {
		if q.Pair.Client == "BA" && q.Defined {
			t.Fatalf("zero-latency group must be undefined: %#v", q)
		}
	}

	pair := e.PairMeans("SP", "RJ", Window{})
	if !pair.OK() || len(pair.Pairs) != 1 || pair.Pairs[0].Bitrate != 150 || pair.Pairs[0].Latency != 10 {
		t.Fatalf("unexpected pair outcome: %#v", pair)
	}

	start := time.Unix(150, 0).UTC()
	means, err := e.EntityMeans(RoleClient, "SP", Window{Start: &start})
	if err != nil {
		t.Fatalf("EntityMeans failed: %v", err)
	}
	if len(means.Pairs) != 2 || means.Pairs[1].Bitrate != 200 {
		t.Fatalf("unexpected windowed means: %#v", means)
	}

	if _, err := e.EntityMeans(Role("router"), "SP", Window{}); err == nil {
		t.Fatalf("expected unsupported role error")
	}
}

func TestEngine_DataLevelStatuses(t *testing.T) {
	e := newEngine(t, rec(100, "SP", "RJ", 100, 10))

	if got := e.ClientQoE("XX", Window{}).Status; got != dataset.StatusUnknownClient {
		t.Fatalf("expected unknown client, got %s", got)
	}
	if got := e.ServerQoE("XX", Window{}).Status; got != dataset.StatusUnknownServer {
		t.Fatalf("expected unknown server, got %s", got)
	}
	start, end := time.Unix(200, 0), time.Unix(50, 0)
	if got := e.PairMeans("SP", "RJ", Window{Start: &start, End: &end}).Status; got != dataset.StatusEmptyRange {
		t.Fatalf("expected empty range, got %s", got)
	}
}
