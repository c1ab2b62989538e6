package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ColumnTimestamp = "timestamp"
	ColumnClient    = "client"
	ColumnServer    = "server"
	ColumnBitrate   = "bitrate"
	ColumnRTT       = "rtt"
)

var requiredColumns = []string{ColumnTimestamp, ColumnClient, ColumnServer, ColumnBitrate, ColumnRTT}

type loadOptions struct {
	comma rune
}

type LoadOption func(*loadOptions)

// WithDelimiter sets the field separator. The default is a comma.
func WithDelimiter(r rune) LoadOption {
	return func(o *loadOptions) {
		if r != 0 {
			o.comma = r
		}
	}
}

// Load reads a delimited file whose header names at least the timestamp,
// client, server, bitrate and rtt columns. Extra columns are ignored.
func Load(path string, opts ...LoadOption) (*Dataset, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dataset path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %q: %w", path, err)
	}
	defer f.Close()

	d, err := Read(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %q: %w", path, err)
	}
	return d, nil
}

func Read(r io.Reader, opts ...LoadOption) (*Dataset, error) {
	o := loadOptions{comma: ','}
	for _, opt := range opts {
		opt(&o)
	}

	cr := csv.NewReader(r)
	cr.Comma = o.comma
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := parseRow(row, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return New(records)
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func parseRow(row []string, idx map[string]int) (Record, error) {
	field := func(col string) (string, error) {
		i := idx[col]
		if i >= len(row) {
			return "", fmt.Errorf("missing %s value", col)
		}
		return strings.TrimSpace(row[i]), nil
	}

	raw, err := field(ColumnTimestamp)
	if err != nil {
		return Record{}, err
	}
	ts, err := parseEpochSeconds(raw)
	if err != nil {
		return Record{}, err
	}
	client, err := field(ColumnClient)
	if err != nil {
		return Record{}, err
	}
	server, err := field(ColumnServer)
	if err != nil {
		return Record{}, err
	}
	bitrate, err := parseFloatField(field, ColumnBitrate)
	if err != nil {
		return Record{}, err
	}
	rtt, err := parseFloatField(field, ColumnRTT)
	if err != nil {
		return Record{}, err
	}
	return Record{Timestamp: ts, Client: client, Server: server, Bitrate: bitrate, RTT: rtt}, nil
}

func parseFloatField(field func(string) (string, error), col string) (float64, error) {
	raw, err := field(col)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", col, raw, err)
	}
	return v, nil
}

// parseEpochSeconds accepts integer seconds and tolerates a fractional part.
func parseEpochSeconds(raw string) (time.Time, error) {
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	whole, frac := math.Modf(f)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
