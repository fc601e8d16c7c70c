package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Start launches the background loops of every attached table and the
// cleanup scanner. Tables attached later get their loops on attach.
func (r *Replica) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.runCtx != nil {
		return nil
	}

	r.mu.RLock()
	closed := r.closed
	states := make([]*tableState, 0, len(r.attached))
	for _, st := range r.attached {
		states = append(states, st)
	}
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	r.runCtx, r.cancel = context.WithCancel(ctx)
	for _, st := range states {
		r.startTableLoops(r.runCtx, st)
	}
	if r.cfg.CleanupEnabled {
		r.scanner.Start()
	}
	r.logger.Infof("replica started", map[string]any{
		"tables":         len(states),
		"selectInterval": r.cfg.SelectInterval.String(),
		"pollInterval":   r.cfg.PollInterval.String(),
	})
	return nil
}

// Step runs one synchronous round of every loop: a selection tick and a
// queue round per table, waiting for the merges handed to the pool, then a
// cleanup scan when cleanup is enabled.
func (r *Replica) Step(ctx context.Context) error {
	var errs []error
	for _, name := range r.Tables() {
		st, err := r.table(name)
		if err != nil {
			return err
		}
		if err := r.stepTable(ctx, st); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if r.cfg.CleanupEnabled {
		r.scanner.ScanAll(ctx)
	}
	return errors.Join(errs...)
}

func (r *Replica) stepTable(ctx context.Context, st *tableState) error {
	if _, err := st.coord.Tick(ctx); err != nil {
		return err
	}
	if err := r.stepQueue(ctx, st); err != nil {
		return err
	}
	r.pool.Wait()
	return r.stepQueue(ctx, st)
}

func (r *Replica) stepQueue(ctx context.Context, st *tableState) error {
	st.stepMu.Lock()
	defer st.stepMu.Unlock()
	if _, err := st.queue.Pull(ctx); err != nil {
		return err
	}
	return st.queue.Process(ctx)
}

// startTableLoops runs the selection tick, the queue loop and the log
// observer of st until ctx is done. Caller holds r.runMu.
func (r *Replica) startTableLoops(ctx context.Context, st *tableState) {
	r.running.Add(3)
	go r.selectLoop(ctx, st)
	go r.queueLoop(ctx, st)
	go r.observeLoop(ctx, st)
}

func (r *Replica) selectLoop(ctx context.Context, st *tableState) {
	defer r.running.Done()
	name := st.name + "/select"
	r.cfg.Monitor.RegisterLoop(name)
	defer r.cfg.Monitor.UnregisterLoop(name)
	ticker := time.NewTicker(r.cfg.SelectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.cfg.Monitor.Heartbeat(name)
		rep, err := st.coord.Tick(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warnf("selection tick failed", map[string]any{"table": st.name, "error": err})
			}
			continue
		}
		if len(rep.Proposed) > 0 {
			st.notify()
		}
	}
}

func (r *Replica) queueLoop(ctx context.Context, st *tableState) {
	defer r.running.Done()
	name := st.name + "/queue"
	r.cfg.Monitor.RegisterLoop(name)
	defer r.cfg.Monitor.UnregisterLoop(name)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-st.wake:
		}
		r.cfg.Monitor.Heartbeat(name)
		if err := r.stepQueue(ctx, st); err != nil && ctx.Err() == nil {
			r.logger.Warnf("replication round failed", map[string]any{"table": st.name, "error": err})
		}
	}
}

// observeLoop wakes the queue loop as soon as new log entries appear.
func (r *Replica) observeLoop(ctx context.Context, st *tableState) {
	defer r.running.Done()
	for _, err := range st.log.Observe(ctx, st.queue.Pulled(), r.cfg.PollInterval) {
		if err != nil {
			r.logger.Debugf("log observation failed", map[string]any{"table": st.name, "error": err})
			continue
		}
		st.notify()
	}
}

func (st *tableState) notify() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// SyncReplica waits until this replica has applied every log entry that
// existed when it was called. Bound it with a context deadline.
func (r *Replica) SyncReplica(ctx context.Context, tableName string) error {
	st, err := r.table(tableName)
	if err != nil {
		return err
	}
	head, err := st.log.Head(ctx)
	if err != nil {
		return err
	}
	for {
		if err := r.stepQueue(ctx, st); err != nil {
			r.logger.Debugf("sync round failed", map[string]any{"table": tableName, "error": err})
		}
		r.pool.Wait()
		if st.queue.Acked() >= head {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("engine: sync %q: applied %d of %d: %w", tableName, st.queue.Acked(), head, ctx.Err())
		case <-time.After(r.cfg.PollInterval):
		}
	}
}
