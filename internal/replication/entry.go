package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dray-io/ttlmerge/internal/merge"
	"github.com/dray-io/ttlmerge/internal/part"
)

// EntryKind is the type of a replication log entry.
type EntryKind string

const (
	// KindGetPart announces a part inserted on its origin replica.
	KindGetPart EntryKind = "GET_PART"

	// KindMergeParts carries a merge task.
	KindMergeParts EntryKind = "MERGE_PARTS"
)

// Entry is one record of the replication log.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Kind      EntryKind `json:"kind"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"createdAt"`

	// Part is set for GET_PART.
	Part *part.Meta `json:"part,omitempty"`

	// Task is set for MERGE_PARTS.
	Task *merge.Task `json:"task,omitempty"`
}

// NewGetPart builds a GET_PART entry for an inserted part.
func NewGetPart(origin string, m *part.Meta, now time.Time) *Entry {
	c := *m
	return &Entry{Kind: KindGetPart, Origin: origin, CreatedAt: now.UTC(), Part: &c}
}

// NewMergeParts builds a MERGE_PARTS entry for a task.
func NewMergeParts(origin string, task *merge.Task, now time.Time) *Entry {
	return &Entry{Kind: KindMergeParts, Origin: origin, CreatedAt: now.UTC(), Task: task}
}

// Produces returns the name of the part the entry creates.
func (e *Entry) Produces() string {
	switch e.Kind {
	case KindGetPart:
		return e.Part.Name
	case KindMergeParts:
		return e.Task.Result
	}
	return ""
}

// Sources returns the parts the entry supersedes.
func (e *Entry) Sources() []string {
	if e.Kind == KindMergeParts {
		return e.Task.Sources
	}
	return nil
}

// Partition returns the partition the entry touches.
func (e *Entry) Partition() string {
	switch e.Kind {
	case KindGetPart:
		return e.Part.Partition
	case KindMergeParts:
		return e.Task.Partition
	}
	return ""
}

// IsTTL reports whether the entry is a TTL merge.
func (e *Entry) IsTTL() bool {
	return e.Kind == KindMergeParts && e.Task.IsTTL()
}

func (e *Entry) validate() error {
	switch e.Kind {
	case KindGetPart:
		if e.Part == nil {
			return fmt.Errorf("replication: GET_PART entry without part")
		}
	case KindMergeParts:
		if e.Task == nil {
			return fmt.Errorf("replication: MERGE_PARTS entry without task")
		}
	default:
		return fmt.Errorf("replication: unknown entry kind %q", e.Kind)
	}
	return nil
}

func (e *Entry) String() string {
	return fmt.Sprintf("#%d %s %s", e.Seq, e.Kind, e.Produces())
}

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("replication: decode entry: %w", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Result is the outcome of a MERGE_PARTS entry as recorded by the first
// replica that completed it. Later replicas verify their own output against
// it and use it to complete without sources.
type Result struct {
	Seq         uint64    `json:"seq"`
	Empty       bool      `json:"empty"`
	Part        string    `json:"part,omitempty"`
	Rows        int       `json:"rows"`
	Checksum    uint64    `json:"checksum"`
	Producer    string    `json:"producer"`
	CompletedAt time.Time `json:"completedAt"`
}

// Matches reports whether r and o describe the same logical output.
func (r *Result) Matches(o *Result) bool {
	return r.Empty == o.Empty && r.Rows == o.Rows && r.Checksum == o.Checksum
}
