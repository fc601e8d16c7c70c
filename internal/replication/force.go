package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
)

// ForceStatus is the lifecycle state of a force request.
type ForceStatus string

const (
	ForcePending ForceStatus = "pending"
	ForceDone    ForceStatus = "done"
)

// ForceRequest asks the leader to propose forced merges. Any replica may
// file one; the leader serves pending requests on its ticks.
type ForceRequest struct {
	ID        string `json:"id"`
	Requester string `json:"requester"`

	// Partition restricts the pass to one partition; empty means all.
	Partition string `json:"partition,omitempty"`
	Final     bool   `json:"final,omitempty"`

	Status ForceStatus `json:"status"`

	// Remaining lists partitions still to be served. Nil until the leader
	// first looks at the request.
	Remaining []string `json:"remaining,omitempty"`
	Planned   bool     `json:"planned,omitempty"`

	// Seqs are the log entries proposed for the request.
	Seqs []uint64 `json:"seqs,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	DoneAt    time.Time `json:"doneAt,omitzero"`
}

// SubmitForce files a new force request.
func SubmitForce(ctx context.Context, meta metadata.MetadataStore, table string, req *ForceRequest) error {
	req.Status = ForcePending
	data, err := encodeForce(req)
	if err != nil {
		return err
	}
	if _, err := meta.Put(ctx, keys.ForceRequestKey(table, req.ID), data, metadata.WithExpectedVersion(0)); err != nil {
		return fmt.Errorf("replication: submit force request %s: %w", req.ID, err)
	}
	return nil
}

// GetForce returns a force request.
func GetForce(ctx context.Context, meta metadata.MetadataStore, table, id string) (*ForceRequest, bool, error) {
	res, err := meta.Get(ctx, keys.ForceRequestKey(table, id))
	if err != nil || !res.Exists {
		return nil, false, err
	}
	req, err := decodeForce(res.Value)
	return req, err == nil, err
}

type versionedForce struct {
	req     *ForceRequest
	version metadata.Version
}

// listForce returns every force request, oldest first.
func listForce(ctx context.Context, meta metadata.MetadataStore, table string) ([]versionedForce, error) {
	kvs, err := meta.List(ctx, keys.ForcePrefix(table), "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]versionedForce, 0, len(kvs))
	for _, kv := range kvs {
		req, err := decodeForce(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, versionedForce{req: req, version: kv.Version})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].req.CreatedAt.Before(out[j].req.CreatedAt)
	})
	return out, nil
}

// DeleteDoneForce removes requests completed before cutoff and returns how
// many it removed.
func DeleteDoneForce(ctx context.Context, meta metadata.MetadataStore, table string, cutoff time.Time) (int, error) {
	all, err := listForce(ctx, meta, table)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range all {
		if f.req.Status != ForceDone || !f.req.DoneAt.Before(cutoff) {
			continue
		}
		if err := meta.Delete(ctx, keys.ForceRequestKey(table, f.req.ID), metadata.WithDeleteExpectedVersion(f.version)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func encodeForce(r *ForceRequest) ([]byte, error) {
	return json.Marshal(r)
}

func decodeForce(data []byte) (*ForceRequest, error) {
	var r ForceRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("replication: decode force request: %w", err)
	}
	return &r, nil
}
