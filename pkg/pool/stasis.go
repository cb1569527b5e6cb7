package pool

import (
	"sync"
)

// StasisTracker holds sessions released by their callers while the ambient
// transaction they are enlisted in is still pending. Resolve hands them back
// to their pools.
type StasisTracker struct {
	mu   sync.Mutex
	byTx map[string][]*Session
	size int
}

// NewStasisTracker creates an empty tracker
func NewStasisTracker() *StasisTracker {
	return &StasisTracker{byTx: make(map[string][]*Session)}
}

// Track registers s under txID
func (t *StasisTracker) Track(txID string, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTx[txID] = append(t.byTx[txID], s)
	t.size++
}

// Resolve signals that txID completed and returns every session it held to
// its pool. It returns the number of sessions handed back.
func (t *StasisTracker) Resolve(txID string) int {
	t.mu.Lock()
	sessions := t.byTx[txID]
	delete(t.byTx, txID)
	t.size -= len(sessions)
	t.mu.Unlock()

	for _, s := range sessions {
		s.pool.transactionResolved(s)
	}
	return len(sessions)
}

// untrack drops s without resolving it
func (t *StasisTracker) untrack(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for txID, sessions := range t.byTx {
		for i, candidate := range sessions {
			if candidate != s {
				continue
			}
			sessions = append(sessions[:i], sessions[i+1:]...)
			if len(sessions) == 0 {
				delete(t.byTx, txID)
			} else {
				t.byTx[txID] = sessions
			}
			t.size--
			return
		}
	}
}

// Len returns the number of tracked sessions
func (t *StasisTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Pending returns the number of unresolved transactions
func (t *StasisTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTx)
}
