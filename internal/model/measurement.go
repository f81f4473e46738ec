package model

import (
	"encoding/json"
	"time"
)

// Collection identifies one measurement family served by the exporter
// (for example amp-icmp). Module and Subtype come straight from the
// exporter catalog.
type Collection struct {
	ID      int    `json:"id"`
	Module  string `json:"module"`
	Subtype string `json:"modsubtype"`
}

// Name returns the canonical collection name used by the public APIs.
func (c Collection) Name() string {
	return c.Module + "-" + c.Subtype
}

// Stream is a single measured series: an immutable set of descriptive
// properties plus an optional opaque payload, usually the address that
// was measured.
type Stream struct {
	ID         int                    `json:"stream_id"`
	Properties map[string]interface{} `json:"properties"`
	Address    string                 `json:"address,omitempty"`
}

// Label names a set of streams whose measurements are aggregated
// together when querying history. GroupID is the view group the label
// was derived from.
type Label struct {
	Name    string `json:"name"`
	GroupID int    `json:"group_id"`
	Streams []int  `json:"streams"`
}

// TimeRange represents a time range for queries.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

type timeRangeJSON struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// MarshalJSON serializes the range as unix seconds.
func (r TimeRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeRangeJSON{Start: r.Start.Unix(), End: r.End.Unix()})
}

// UnmarshalJSON parses a range expressed in unix seconds.
func (r *TimeRange) UnmarshalJSON(b []byte) error {
	var w timeRangeJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Start = time.Unix(w.Start, 0).UTC()
	r.End = time.Unix(w.End, 0).UTC()
	return nil
}

// Point is one measurement bin for a label: the bin time plus the
// aggregated columns that were requested.
type Point struct {
	TS     time.Time
	Values map[string]float64
}

// MarshalJSON flattens the point into a single object with the bin
// time under "timestamp".
func (p Point) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(p.Values)+1)
	for k, v := range p.Values {
		flat[k] = v
	}
	flat["timestamp"] = p.TS.Unix()
	return json.Marshal(flat)
}

// UnmarshalJSON reads a flat point object. Numeric fields become
// aggregate values, "timestamp" becomes the bin time and non-numeric
// fields (nulls included) are dropped.
func (p *Point) UnmarshalJSON(b []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	p.Values = make(map[string]float64, len(flat))
	for k, raw := range flat {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if k == "timestamp" {
			p.TS = time.Unix(int64(v), 0).UTC()
			continue
		}
		p.Values[k] = v
	}
	return nil
}

// History is the merged query result for a single label. Freq is the
// measurement frequency in seconds and TimedOut lists the ranges the
// exporter gave up on.
type History struct {
	Freq     int64       `json:"freq"`
	Points   []Point     `json:"data"`
	TimedOut []TimeRange `json:"timedout"`
}
