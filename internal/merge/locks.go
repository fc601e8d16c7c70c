package merge

import "sync"

// PartLocks tracks parts referenced by in-flight tasks on this replica. A
// locked part cannot be selected into another task; readers are unaffected
// since parts are immutable.
type PartLocks struct {
	mu   sync.Mutex
	held map[string]map[string]uint64 // table -> part -> owning log seq
}

// NewPartLocks creates an empty lock table.
func NewPartLocks() *PartLocks {
	return &PartLocks{held: make(map[string]map[string]uint64)}
}

// TryLock locks every part for seq, or none if any is held by another seq.
// Re-locking parts already held by seq succeeds.
func (l *PartLocks) TryLock(table string, parts []string, seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.held[table]
	for _, p := range parts {
		if owner, ok := held[p]; ok && owner != seq {
			return false
		}
	}
	if held == nil {
		held = make(map[string]uint64)
		l.held[table] = held
	}
	for _, p := range parts {
		held[p] = seq
	}
	return true
}

// Unlock releases the parts held by seq.
func (l *PartLocks) Unlock(table string, parts []string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.held[table]
	for _, p := range parts {
		if held[p] == seq {
			delete(held, p)
		}
	}
}

// Locked reports whether part is held.
func (l *PartLocks) Locked(table, part string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[table][part]
	return ok
}

// Count returns the number of parts held for table.
func (l *PartLocks) Count(table string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held[table])
}
