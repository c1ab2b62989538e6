package qoe

import (
	"fmt"
	"time"

	"github.com/PipeOpsHQ/qoe-assistant/dataset"
)

// Role selects which side of a connection an entity id refers to.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Window bounds an aggregation in time. Nil bounds mean the dataset edge.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// Outcome is the result of one aggregation. When Status is not StatusOK,
// Pairs is empty and the status explains why.
type Outcome struct {
	Status dataset.Status
	Pairs  []PairMeans
}

func (o Outcome) OK() bool { return o.Status == dataset.StatusOK }

// PairQoE is a PairMeans with its QoE resolved. Defined is false when the
// mean latency is zero.
type PairQoE struct {
	PairMeans
	Value   float64
	Defined bool
}

// QoEs resolves the QoE of every pair in the outcome.
func (o Outcome) QoEs() []PairQoE {
	out := make([]PairQoE, 0, len(o.Pairs))
	for _, m := range o.Pairs {
		v, err := m.QoE()
		out = append(out, PairQoE{PairMeans: m, Value: v, Defined: err == nil})
	}
	return out
}

// Engine runs the aggregation shapes against an immutable dataset. It holds
// no mutable state and is safe for concurrent use.
type Engine struct {
	data *dataset.Dataset
}

func NewEngine(data *dataset.Dataset) (*Engine, error) {
	if data == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	return &Engine{data: data}, nil
}

func (e *Engine) Dataset() *dataset.Dataset { return e.data }

// ClientQoE aggregates every pair of a client; callers read QoE via QoEs.
func (e *Engine) ClientQoE(client string, w Window) Outcome {
	return e.aggregate(dataset.Query{Client: client, Start: w.Start, End: w.End})
}

// ServerQoE aggregates every pair of a server; callers read QoE via QoEs.
func (e *Engine) ServerQoE(server string, w Window) Outcome {
	return e.aggregate(dataset.Query{Server: server, Start: w.Start, End: w.End})
}

// PairMeans aggregates the raw bitrate and latency means of a single pair.
func (e *Engine) PairMeans(client, server string, w Window) Outcome {
	return e.aggregate(dataset.Query{Client: client, Server: server, Start: w.Start, End: w.End})
}

// EntityMeans aggregates the raw means of every pair touching a client or
// a server. QoE is left to the caller.
func (e *Engine) EntityMeans(role Role, id string, w Window) (Outcome, error) {
	switch role {
	case RoleClient:
		return e.aggregate(dataset.Query{Client: id, Start: w.Start, End: w.End}), nil
	case RoleServer:
		return e.aggregate(dataset.Query{Server: id, Start: w.Start, End: w.End}), nil
	default:
		return Outcome{}, fmt.Errorf("unsupported role %q", role)
	}
}

func (e *Engine) aggregate(q dataset.Query) Outcome {
	sel := e.data.Filter(q)
	if sel.Status != dataset.StatusOK {
		return Outcome{Status: sel.Status}
	}
	return Outcome{Status: dataset.StatusOK, Pairs: GroupByPair(sel.Records)}
}
