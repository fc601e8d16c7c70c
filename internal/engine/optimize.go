package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dray-io/ttlmerge/internal/replication"
)

// OptimizeRequest asks for a forced merge pass.
type OptimizeRequest struct {
	// Partition limits the pass to one partition; empty means all.
	Partition string `json:"partition"`

	// Final also rewrites a partition that already is a single part.
	Final bool `json:"final"`

	// ThrowIfNoop turns a pass that merged nothing into an error.
	ThrowIfNoop bool `json:"throwIfNoop"`
}

// OptimizeResult describes a served force request.
type OptimizeResult struct {
	RequestID string   `json:"requestId"`
	Seqs      []uint64 `json:"seqs"`
}

var errOptimizePending = errors.New("optimize pending")

// ForceOptimize files a force request for the table and waits, for a
// bounded number of attempts, until the leader has served it and this
// replica has applied the merges it proposed. On a follower the request is
// served by the leader's next tick.
func (r *Replica) ForceOptimize(ctx context.Context, tableName string, req OptimizeRequest) (*OptimizeResult, error) {
	st, err := r.table(tableName)
	if err != nil {
		return nil, err
	}

	force := &replication.ForceRequest{
		ID:        uuid.NewString(),
		Requester: r.cfg.Replica,
		Partition: req.Partition,
		Final:     req.Final,
		CreatedAt: r.cfg.Now().UTC(),
	}
	if err := replication.SubmitForce(ctx, r.meta, tableName, force); err != nil {
		return nil, err
	}
	r.logger.Infof("optimize requested", map[string]any{
		"table":     tableName,
		"requestId": force.ID,
		"partition": req.Partition,
		"final":     req.Final,
	})

	res := &OptimizeResult{RequestID: force.ID}
	attempt := func() error {
		if err := r.stepTable(ctx, st); err != nil {
			r.logger.Debugf("optimize round failed", map[string]any{"table": tableName, "error": err})
		}
		got, ok, err := replication.GetForce(ctx, r.meta, tableName, force.ID)
		if err != nil {
			return err
		}
		if !ok {
			return backoff.Permanent(fmt.Errorf("engine: force request %s vanished", force.ID))
		}
		if got.Status != replication.ForceDone {
			return errOptimizePending
		}
		res.Seqs = got.Seqs
		if len(got.Seqs) == 0 {
			if req.ThrowIfNoop {
				return backoff.Permanent(ErrNothingToOptimize)
			}
			return nil
		}
		for _, seq := range got.Seqs {
			if !st.queue.Completed(seq) {
				return errOptimizePending
			}
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.ForceOptimizeWait), uint64(r.cfg.ForceOptimizeAttempts)),
		ctx,
	)
	err = backoff.Retry(attempt, bo)
	if errors.Is(err, errOptimizePending) {
		return res, fmt.Errorf("%w: request %s", ErrNotCompletedYet, force.ID)
	}
	if err != nil {
		return res, err
	}
	return res, nil
}
