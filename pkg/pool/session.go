package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/winseros/SqlClient/pkg/types"
)

// SessionState is the lifecycle state of a physical session
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateInStasis
	StateBroken
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateInStasis:
		return "InStasis"
	case StateBroken:
		return "Broken"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session is one physical connection. A pooled session belongs to exactly
// one Pool and sits in exactly one of its free, leased or stasis sets.
type Session struct {
	id        uuid.UUID
	pool      *Pool
	link      types.Link
	createdAt time.Time

	state  atomic.Int32
	broken atomic.Bool

	// guarded by pool.mu for pooled sessions
	generation uint64
	lastUsed   time.Time
	txID       string
}

func newSession(p *Pool, createdAt time.Time) *Session {
	s := &Session{
		id:        uuid.New(),
		pool:      p,
		createdAt: createdAt,
		lastUsed:  createdAt,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session identity
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Link returns the underlying server link
func (s *Session) Link() types.Link {
	return s.link
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Pooled reports whether the session belongs to a pool
func (s *Session) Pooled() bool {
	return s.pool != nil
}

// CreatedAt returns the time the session was requested
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// MarkBroken flags a link failure. The session is destroyed instead of
// recycled when it comes back to its pool.
func (s *Session) MarkBroken() {
	s.broken.Store(true)
	if s.State() == StateOpen {
		s.state.Store(int32(StateBroken))
	}
}

// Healthy reports whether the session can be handed out again
func (s *Session) Healthy() bool {
	return !s.broken.Load() && s.link != nil && s.link.Healthy()
}

// Enlist records the ambient transaction the session takes part in. An empty
// id clears the enlistment.
func (s *Session) Enlist(txID string) {
	if s.pool != nil {
		s.pool.mu.Lock()
		defer s.pool.mu.Unlock()
	}
	s.txID = txID
}

// Transaction returns the enlisted transaction id
func (s *Session) Transaction() string {
	if s.pool != nil {
		s.pool.mu.Lock()
		defer s.pool.mu.Unlock()
	}
	return s.txID
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// destroy closes the link. It is called outside of any pool lock.
func (s *Session) destroy() error {
	s.setState(StateClosed)
	if s.link == nil {
		return nil
	}
	if err := s.link.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}
