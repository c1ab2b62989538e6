// Package dataset holds the immutable, time-sorted table of client/server
// connection measurements and the filtered views the QoE engine reads.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Record is one timestamped observation of a client/server connection.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Client    string    `json:"client"`
	Server    string    `json:"server"`
	Bitrate   float64   `json:"bitrate"`
	RTT       float64   `json:"rtt"`
}

// Pair identifies a client/server connection.
type Pair struct {
	Client string `json:"client"`
	Server string `json:"server"`
}

func (p Pair) String() string {
	return "(" + p.Client + ", " + p.Server + ")"
}

func (p Pair) less(o Pair) bool {
	if p.Client != o.Client {
		return p.Client < o.Client
	}
	return p.Server < o.Server
}

var ErrEmpty = errors.New("dataset: no records")

// Dataset is read-only after construction and safe for concurrent readers.
type Dataset struct {
	records []Record

	clients map[string]struct{}
	servers map[string]struct{}
	pairs   map[Pair]struct{}

	clientList []string
	serverList []string
	pairList   []Pair
}

// New copies records, validates them and sorts them ascending by timestamp.
// Records sharing a timestamp keep their input order.
func New(records []Record) (*Dataset, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	d := &Dataset{
		records: make([]Record, len(records)),
		clients: map[string]struct{}{},
		servers: map[string]struct{}{},
		pairs:   map[Pair]struct{}{},
	}
	copy(d.records, records)

	for i, r := range d.records {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		d.records[i].Timestamp = r.Timestamp.UTC()
		d.clients[r.Client] = struct{}{}
		d.servers[r.Server] = struct{}{}
		d.pairs[Pair{Client: r.Client, Server: r.Server}] = struct{}{}
	}
	sort.SliceStable(d.records, func(i, j int) bool {
		return d.records[i].Timestamp.Before(d.records[j].Timestamp)
	})

	d.clientList = sortedKeys(d.clients)
	d.serverList = sortedKeys(d.servers)
	d.pairList = make([]Pair, 0, len(d.pairs))
	for p := range d.pairs {
		d.pairList = append(d.pairList, p)
	}
	sort.Slice(d.pairList, func(i, j int) bool { return d.pairList[i].less(d.pairList[j]) })
	return d, nil
}

func validate(r Record) error {
	switch {
	case r.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	case r.Client == "":
		return fmt.Errorf("client is required")
	case r.Server == "":
		return fmt.Errorf("server is required")
	case math.IsNaN(r.Bitrate) || math.IsInf(r.Bitrate, 0) || r.Bitrate < 0:
		return fmt.Errorf("bitrate must be a finite non-negative number, got %v", r.Bitrate)
	case math.IsNaN(r.RTT) || math.IsInf(r.RTT, 0) || r.RTT < 0:
		return fmt.Errorf("rtt must be a finite non-negative number, got %v", r.RTT)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *Dataset) Len() int { return len(d.records) }

// Start returns the earliest timestamp in the dataset.
func (d *Dataset) Start() time.Time { return d.records[0].Timestamp }

// End returns the latest timestamp in the dataset.
func (d *Dataset) End() time.Time { return d.records[len(d.records)-1].Timestamp }

func (d *Dataset) Clients() []string { return append([]string(nil), d.clientList...) }

func (d *Dataset) Servers() []string { return append([]string(nil), d.serverList...) }

func (d *Dataset) Pairs() []Pair { return append([]Pair(nil), d.pairList...) }

func (d *Dataset) HasClient(id string) bool {
	_, ok := d.clients[id]
	return ok
}

func (d *Dataset) HasServer(id string) bool {
	_, ok := d.servers[id]
	return ok
}

func (d *Dataset) HasPair(p Pair) bool {
	_, ok := d.pairs[p]
	return ok
}

// Records returns a copy of every record in timestamp order.
func (d *Dataset) Records() []Record {
	return append([]Record(nil), d.records...)
}

// Summary is the set of live dataset facts the system prompt is built from.
type Summary struct {
	Rows    int       `json:"rows"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Clients []string  `json:"clients"`
	Servers []string  `json:"servers"`
	Pairs   []Pair    `json:"pairs"`
}

func (d *Dataset) Summary() Summary {
	return Summary{
		Rows:    d.Len(),
		Start:   d.Start(),
		End:     d.End(),
		Clients: d.Clients(),
		Servers: d.Servers(),
		Pairs:   d.Pairs(),
	}
}
