package part

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TTLRange is the min/max of one rule's time expression, in Unix seconds,
// over the rows of a part still subject to that rule. A range with Min above
// Max covers no rows: the rule was evaluated and nothing is left for it.
type TTLRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// EmptyTTLRange returns a range covering no rows.
func EmptyTTLRange() TTLRange {
	return TTLRange{Min: math.MaxInt64, Max: math.MinInt64}
}

// IsEmpty reports whether r covers no rows.
func (r TTLRange) IsEmpty() bool { return r.Min > r.Max }

// Merge widens r to cover ts.
func (r TTLRange) Merge(ts int64) TTLRange {
	return TTLRange{Min: min(r.Min, ts), Max: max(r.Max, ts)}
}

// Union widens r to cover o.
func (r TTLRange) Union(o TTLRange) TTLRange {
	return TTLRange{Min: min(r.Min, o.Min), Max: max(r.Max, o.Max)}
}

// Meta is the registration record of a part on one replica.
type Meta struct {
	Name          string              `json:"name"`
	Partition     string              `json:"partition"`
	Rows          int                 `json:"rows"`
	Bytes         int64               `json:"bytes"`
	SchemaVersion uint64              `json:"schemaVersion"`
	RulesVersion  uint64              `json:"rulesVersion,omitempty"`
	TTL           map[string]TTLRange `json:"ttl,omitempty"`
	Checksum      uint64              `json:"checksum"`
	CreatedSeq    uint64              `json:"createdSeq"`
	CreatedAt     time.Time           `json:"createdAt"`

	Active        bool      `json:"active"`
	SupersededBy  uint64    `json:"supersededBy,omitempty"`
	InactiveSince time.Time `json:"inactiveSince,omitzero"`
}

// ParsedName returns the parsed part name.
func (m *Meta) ParsedName() (Name, error) {
	return ParseName(m.Name)
}

// Deactivate marks the part superseded by the log entry at seq.
func (m *Meta) Deactivate(seq uint64, now time.Time) {
	m.Active = false
	m.SupersededBy = seq
	m.InactiveSince = now.UTC()
}

// EncodeMeta serializes a part registration.
func EncodeMeta(m *Meta) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMeta parses a part registration.
func DecodeMeta(b []byte) (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("part: decode meta: %w", err)
	}
	return &m, nil
}
