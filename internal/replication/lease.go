package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
)

var (
	// ErrNotLeader is returned when a proposal is attempted without holding
	// the table's leader lease.
	ErrNotLeader = errors.New("replication: not the table leader")

	// errLeaseVanished is a transient state between a conflict and re-read.
	errLeaseVanished = errors.New("replication: leader lease disappeared during conflict resolution")
)

// Lease is the record stored at the table's leader key. The key is
// ephemeral, so it disappears when the holder's session ends.
type Lease struct {
	Table      string    `json:"table"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	RenewedAt  time.Time `json:"renewedAt"`
}

// AcquireResult is the outcome of TryAcquire.
type AcquireResult struct {
	// Acquired is true if this replica holds the lease.
	Acquired bool

	// Lease is ours when Acquired, the current holder's otherwise.
	Lease *Lease
}

// LeaseManager takes and renews leader leases for one replica.
type LeaseManager struct {
	meta    metadata.MetadataStore
	replica string
	renew   time.Duration
	now     func() time.Time

	mu   sync.Mutex
	held map[string]*Lease
}

// NewLeaseManager creates a lease manager. Held leases are rewritten at most
// once per renew interval.
func NewLeaseManager(meta metadata.MetadataStore, replica string, renew time.Duration, now func() time.Time) *LeaseManager {
	if now == nil {
		now = time.Now
	}
	return &LeaseManager{
		meta:    meta,
		replica: replica,
		renew:   renew,
		now:     now,
		held:    make(map[string]*Lease),
	}
}

// TryAcquire takes the leader lease of table if it is free, or renews it if
// this replica already holds it.
func (lm *LeaseManager) TryAcquire(ctx context.Context, table string) (*AcquireResult, error) {
	key := keys.LeaderKey(table)
	now := lm.now().UTC()

	res, err := lm.meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("replication: get lease: %w", err)
	}

	if res.Exists {
		existing, err := decodeLease(res.Value)
		if err != nil {
			return nil, err
		}
		if existing.Holder != lm.replica {
			lm.forget(table)
			return &AcquireResult{Lease: existing}, nil
		}
		if now.Sub(existing.RenewedAt) < lm.renew {
			lm.remember(table, existing)
			return &AcquireResult{Acquired: true, Lease: existing}, nil
		}

		existing.RenewedAt = now
		data, err := json.Marshal(existing)
		if err != nil {
			return nil, err
		}
		_, err = lm.meta.PutEphemeral(ctx, key, data, metadata.WithEphemeralExpectedVersion(res.Version))
		if err != nil {
			if errors.Is(err, metadata.ErrVersionMismatch) {
				return lm.handleConflict(ctx, table)
			}
			return nil, fmt.Errorf("replication: renew lease: %w", err)
		}
		lm.remember(table, existing)
		return &AcquireResult{Acquired: true, Lease: existing}, nil
	}

	lease := &Lease{Table: table, Holder: lm.replica, AcquiredAt: now, RenewedAt: now}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, err
	}
	_, err = lm.meta.PutEphemeral(ctx, key, data, metadata.WithEphemeralExpectNotExists())
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
			return lm.handleConflict(ctx, table)
		}
		return nil, fmt.Errorf("replication: acquire lease: %w", err)
	}
	lm.remember(table, lease)
	return &AcquireResult{Acquired: true, Lease: lease}, nil
}

func (lm *LeaseManager) handleConflict(ctx context.Context, table string) (*AcquireResult, error) {
	lm.forget(table)
	holder, err := lm.Holder(ctx, table)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, errLeaseVanished
	}
	return &AcquireResult{Acquired: holder.Holder == lm.replica, Lease: holder}, nil
}

// Release gives up the lease of table if this replica holds it.
func (lm *LeaseManager) Release(ctx context.Context, table string) error {
	key := keys.LeaderKey(table)
	defer lm.forget(table)

	res, err := lm.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("replication: get lease for release: %w", err)
	}
	if !res.Exists {
		return nil
	}
	lease, err := decodeLease(res.Value)
	if err != nil {
		return err
	}
	if lease.Holder != lm.replica {
		return nil
	}
	err = lm.meta.Delete(ctx, key, metadata.WithDeleteExpectedVersion(res.Version))
	if err != nil && !errors.Is(err, metadata.ErrVersionMismatch) {
		return fmt.Errorf("replication: delete lease: %w", err)
	}
	return nil
}

// ReleaseAll releases every lease this replica holds.
func (lm *LeaseManager) ReleaseAll(ctx context.Context) error {
	lm.mu.Lock()
	tables := make([]string, 0, len(lm.held))
	for t := range lm.held {
		tables = append(tables, t)
	}
	lm.mu.Unlock()

	var errs []error
	for _, t := range tables {
		if err := lm.Release(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Holder returns the current lease of table, nil if nobody leads.
func (lm *LeaseManager) Holder(ctx context.Context, table string) (*Lease, error) {
	res, err := lm.meta.Get(ctx, keys.LeaderKey(table))
	if err != nil {
		return nil, fmt.Errorf("replication: get lease: %w", err)
	}
	if !res.Exists {
		return nil, nil
	}
	return decodeLease(res.Value)
}

// Holds reports the locally cached lease state; authoritative checks
// happen inside proposal transactions.
func (lm *LeaseManager) Holds(table string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.held[table]
	return ok
}

// Replica returns the replica this manager acquires leases for.
func (lm *LeaseManager) Replica() string { return lm.replica }

func (lm *LeaseManager) remember(table string, l *Lease) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.held[table] = l
}

func (lm *LeaseManager) forget(table string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.held, table)
}

// StageCheckLeader fails txn unless replica holds the lease of table. The
// read also makes the transaction conflict with a concurrent takeover.
func StageCheckLeader(txn metadata.Txn, table, replica string) error {
	data, _, err := txn.Get(keys.LeaderKey(table))
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return ErrNotLeader
	}
	if err != nil {
		return err
	}
	lease, err := decodeLease(data)
	if err != nil {
		return err
	}
	if lease.Holder != replica {
		return fmt.Errorf("%w: held by %s", ErrNotLeader, lease.Holder)
	}
	return nil
}

func decodeLease(data []byte) (*Lease, error) {
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("replication: unmarshal lease: %w", err)
	}
	return &l, nil
}
