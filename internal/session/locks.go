package session

import "sync"

// LockTable holds per-session-id exclusion flags for the local sync path,
// the only operation that mutates a session's durable state across multiple
// I/O steps. A second caller for the same id must fail fast, never queue.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// TryLock acquires the flag for id, reporting false if already held.
func (l *LockTable) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *LockTable) Unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
