package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oxia-db/oxia/common/constant"
	"github.com/oxia-db/oxia/common/hash"
	"github.com/oxia-db/oxia/common/proto"
	"github.com/oxia-db/oxia/common/rpc"
	grpcmd "google.golang.org/grpc/metadata"
)

// shardRouter follows the namespace's shard assignments so transactions can
// send write batches straight to the leader of the shard owning a scope.
type shardRouter struct {
	namespace      string
	serviceAddress string
	pool           rpc.ClientPool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	shards  []shardInfo
	ready   chan struct{}
	readyMu sync.Once
}

type shardInfo struct {
	id      int64
	leader  string
	minHash uint32
	maxHash uint32
}

func newShardRouter(ctx context.Context, cfg Config) (*shardRouter, error) {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = rpc.DefaultRpcTimeout
	}
	r := &shardRouter{
		namespace:      cfg.Namespace,
		serviceAddress: cfg.ServiceAddress,
		pool:           rpc.NewClientPool(nil, nil),
		ready:          make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.follow()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-r.ready:
		return r, nil
	case <-waitCtx.Done():
		r.Close()
		return nil, waitCtx.Err()
	}
}

func (r *shardRouter) Close() error {
	if r == nil {
		return nil
	}
	r.cancel()
	return r.pool.Close()
}

// follow keeps the assignment stream open until Close.
func (r *shardRouter) follow() {
	for {
		if err := r.receive(); err != nil && r.ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *shardRouter) receive() error {
	client, err := r.pool.GetClientRpc(r.serviceAddress)
	if err != nil {
		return err
	}
	stream, err := client.GetShardAssignments(r.ctx, &proto.ShardAssignmentsRequest{Namespace: r.namespace})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		ns, ok := resp.Namespaces[r.namespace]
		if !ok {
			continue
		}
		if ns.ShardKeyRouter != proto.ShardKeyRouter_XXHASH3 {
			return fmt.Errorf("oxia: unsupported shard key router %v", ns.ShardKeyRouter)
		}
		shards := make([]shardInfo, 0, len(ns.Assignments))
		for _, a := range ns.Assignments {
			rng, ok := a.ShardBoundaries.(*proto.ShardAssignment_Int32HashRange)
			if !ok {
				return errors.New("oxia: unknown shard boundary type")
			}
			shards = append(shards, shardInfo{
				id:      a.Shard,
				leader:  a.Leader,
				minHash: rng.Int32HashRange.MinHashInclusive,
				maxHash: rng.Int32HashRange.MaxHashInclusive,
			})
		}
		r.mu.Lock()
		r.shards = shards
		r.mu.Unlock()
		r.readyMu.Do(func() { close(r.ready) })
	}
}

func (r *shardRouter) shardFor(scope string) (shardInfo, error) {
	h := hash.Xxh332(scope)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		if s.minHash <= h && h <= s.maxHash {
			return s, nil
		}
	}
	return shardInfo{}, fmt.Errorf("oxia: no shard owns scope %q", scope)
}

func (r *shardRouter) write(ctx context.Context, shard shardInfo, req *proto.WriteRequest) (*proto.WriteResponse, error) {
	client, err := r.pool.GetClientRpc(shard.leader)
	if err != nil {
		return nil, err
	}
	id := shard.id
	req.Shard = &id
	ctx = grpcmd.AppendToOutgoingContext(ctx,
		constant.MetadataNamespace, r.namespace,
		constant.MetadataShardId, fmt.Sprintf("%d", id))
	return client.Write(ctx, req)
}
