package merge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/dray-io/ttlmerge/internal/logging"
)

// Pool is the bounded merge worker pool of a node. TTL merges share the
// pool with regular work and are further capped by maxTTL.
type Pool struct {
	pool      *ants.Pool
	maxTTL    int64
	activeTTL atomic.Int64
	wg        sync.WaitGroup
}

// NewPool creates a pool of size workers running at most maxTTL TTL merges.
func NewPool(size, maxTTL int, logger *logging.Logger) (*Pool, error) {
	logger = logging.OrGlobal(logger)
	p, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			logger.Errorf("merge worker panic", map[string]any{"panic": fmt.Sprint(v)})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("merge: create pool: %w", err)
	}
	return &Pool{pool: p, maxTTL: int64(maxTTL)}, nil
}

// TrySubmit runs fn if a worker is free and, for TTL work, the TTL cap
// allows it. It never blocks.
func (p *Pool) TrySubmit(isTTL bool, fn func()) bool {
	if isTTL {
		if p.activeTTL.Add(1) > p.maxTTL {
			p.activeTTL.Add(-1)
			return false
		}
	}
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		if isTTL {
			defer p.activeTTL.Add(-1)
		}
		fn()
	})
	if err != nil {
		p.wg.Done()
		if isTTL {
			p.activeTTL.Add(-1)
		}
		if !errors.Is(err, ants.ErrPoolOverload) {
			logging.Global().Warnf("merge pool submit failed", map[string]any{"error": err})
		}
		return false
	}
	return true
}

// ActiveTTL returns the number of TTL merges running.
func (p *Pool) ActiveTTL() int { return int(p.activeTTL.Load()) }

// MaxTTL returns the TTL merge cap.
func (p *Pool) MaxTTL() int { return int(p.maxTTL) }

// Free returns the number of idle workers.
func (p *Pool) Free() int { return p.pool.Free() }

// Wait blocks until every submitted function has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Release waits for running work and stops the pool.
func (p *Pool) Release() {
	p.wg.Wait()
	p.pool.Release()
}
