// Package qoe computes quality-of-experience aggregates over measurement
// records. QoE is mean(bitrate) / mean(rtt) for a client/server pair.
package qoe

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/PipeOpsHQ/qoe-assistant/dataset"
)

var (
	// ErrUndefined is returned instead of an infinite or NaN ratio.
	ErrUndefined = errors.New("qoe: undefined")
	// ErrZeroLatency and ErrOverflow both match ErrUndefined.
	ErrZeroLatency     = fmt.Errorf("%w: zero latency", ErrUndefined)
	ErrOverflow        = fmt.Errorf("%w: result out of range", ErrUndefined)
	ErrNegativeLatency = errors.New("qoe: latency must not be negative")
	ErrEmpty           = errors.New("qoe: no values")
	ErrNotFinite       = errors.New("qoe: values must be finite")
)

// Ratio returns bitrate / latency. Non-finite inputs yield ErrUndefined, a
// zero latency ErrZeroLatency and a ratio beyond float64 range ErrOverflow.
func Ratio(bitrate, latency float64) (float64, error) {
	switch {
	case !finite(bitrate) || !finite(latency):
		return 0, ErrUndefined
	case latency < 0:
		return 0, ErrNegativeLatency
	case latency == 0:
		return 0, ErrZeroLatency
	}
	v := bitrate / latency
	if !finite(v) {
		return 0, ErrOverflow
	}
	return v, nil
}

// PairMeans holds the per-pair averages every aggregation shape is built on.
type PairMeans struct {
	Pair    dataset.Pair
	Bitrate float64
	Latency float64
	Samples int
}

func (m PairMeans) QoE() (float64, error) {
	return Ratio(m.Bitrate, m.Latency)
}

// GroupByPair groups records by (client, server) and averages bitrate and
// rtt per group. Groups are returned ordered by client, then server.
func GroupByPair(records []dataset.Record) []PairMeans {
	type acc struct {
		bitrate float64
		rtt     float64
		n       int
	}
	groups := map[dataset.Pair]*acc{}
	for _, r := range records {
		key := dataset.Pair{Client: r.Client, Server: r.Server}
		a, ok := groups[key]
		if !ok {
			a = &acc{}
			groups[key] = a
		}
		a.bitrate += r.Bitrate
		a.rtt += r.RTT
		a.n++
	}

	out := make([]PairMeans, 0, len(groups))
	for pair, a := range groups {
		out = append(out, PairMeans{
			Pair:    pair,
			Bitrate: a.bitrate / float64(a.n),
			Latency: a.rtt / float64(a.n),
			Samples: a.n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pair.Client != out[j].Pair.Client {
			return out[i].Pair.Client < out[j].Pair.Client
		}
		return out[i].Pair.Server < out[j].Pair.Server
	})
	return out
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, error) {
	if err := checkValues(values); err != nil {
		return 0, err
	}
	return checkResult(stat.Mean(values, nil))
}

// Variance returns the population variance of values, dividing by N rather
// than N-1: Variance([1 2 3]) is 2/3, not 1.
func Variance(values []float64) (float64, error) {
	if err := checkValues(values); err != nil {
		return 0, err
	}
	_, variance := stat.PopMeanVariance(values, nil)
	return checkResult(variance)
}

func checkValues(values []float64) error {
	if len(values) == 0 {
		return ErrEmpty
	}
	for _, v := range values {
		if !finite(v) {
			return ErrNotFinite
		}
	}
	return nil
}

// checkResult rejects aggregates of finite values that left float64 range.
func checkResult(v float64) (float64, error) {
	if !finite(v) {
		return 0, ErrOverflow
	}
	return v, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
