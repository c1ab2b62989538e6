package dataset

import (
	"sort"
	"time"
)

// Status classifies the outcome of a Filter call. Anything other than
// StatusOK is a data-level answer meant to be explained to the user, not an
// error.
type Status int

const (
	StatusOK Status = iota
	StatusUnknownClient
	StatusUnknownServer
	StatusUnknownPair
	StatusEmptyRange
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownClient:
		return "unknown_client"
	case StatusUnknownServer:
		return "unknown_server"
	case StatusUnknownPair:
		return "unknown_pair"
	case StatusEmptyRange:
		return "empty_range"
	default:
		return "unknown"
	}
}

// Query selects records. Empty Client or Server matches every counterpart.
// Nil Start/End default to the dataset's first/last timestamp. Both bounds are
// inclusive.
type Query struct {
	Client string
	Server string
	Start  *time.Time
	End    *time.Time
}

type Selection struct {
	Records []Record
	Status  Status
}

// Filter returns the records matching q. Entity existence is checked against
// the whole dataset before the time window is applied, so an unknown id and
// an empty window are reported distinctly.
func (d *Dataset) Filter(q Query) Selection {
	switch {
	case q.Client != "" && q.Server != "":
		if !d.HasPair(Pair{Client: q.Client, Server: q.Server}) {
			switch {
			case !d.HasClient(q.Client):
				return Selection{Status: StatusUnknownClient}
			case !d.HasServer(q.Server):
				return Selection{Status: StatusUnknownServer}
			default:
				return Selection{Status: StatusUnknownPair}
			}
		}
	case q.Client != "":
		if !d.HasClient(q.Client) {
			return Selection{Status: StatusUnknownClient}
		}
	case q.Server != "":
		if !d.HasServer(q.Server) {
			return Selection{Status: StatusUnknownServer}
		}
	}

	lo, hi := d.window(q.Start, q.End)
	out := make([]Record, 0, hi-lo)
	for _, r := range d.records[lo:hi] {
		if q.Client != "" && r.Client != q.Client {
			continue
		}
		if q.Server != "" && r.Server != q.Server {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return Selection{Status: StatusEmptyRange}
	}
	return Selection{Records: out, Status: StatusOK}
}

// window maps inclusive time bounds onto a half-open index range of the
// sorted records.
func (d *Dataset) window(start, end *time.Time) (int, int) {
	lo, hi := 0, len(d.records)
	if start != nil {
		s := start.UTC()
		lo = sort.Search(len(d.records), func(i int) bool {
			return !d.records[i].Timestamp.Before(s)
		})
	}
	if end != nil {
		e := end.UTC()
		hi = sort.Search(len(d.records), func(i int) bool {
			return d.records[i].Timestamp.After(e)
		})
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
