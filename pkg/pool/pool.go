package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/winseros/SqlClient/pkg/types"
)

// Pool holds the physical sessions of one identity. Every session it owns is
// in exactly one of the free, leased or stasis sets; sessions being opened
// are counted as reservations.
type Pool struct {
	identity  string
	request   types.ConnectRequest
	config    Config
	connector types.Connector
	clock     types.Clock
	logger    *zap.Logger
	tracker   *StasisTracker
	limiter   *rate.Limiter

	mu         sync.Mutex
	free       []*Session // oldest first
	leased     map[*Session]struct{}
	stasis     map[*Session]struct{}
	reserved   int
	lookups    int
	waiters    list.List
	generation uint64
	disposed   bool
	created    int64
	destroyed  int64
}

// grant is what a waiter receives: a session, a reserved slot to open one
// itself, or an error
type grant struct {
	session *Session
	slot    bool
	err     error
}

type waiter struct {
	ch   chan grant
	elem *list.Element
	done bool
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Leased     int
	Free       int
	Stasis     int
	Reserved   int
	Lookups    int
	Waiters    int
	Open       int
	MaxSize    int
	Generation uint64
	Created    int64
	Destroyed  int64
	Disposed   bool
}

// Active reports whether the pool holds any session or pending request
func (s Stats) Active() bool {
	return !s.Disposed && (s.Open > 0 || s.Reserved > 0 || s.Lookups > 0 || s.Waiters > 0)
}

// NewPool creates an empty pool opening sessions through connector
func NewPool(connector types.Connector, request types.ConnectRequest, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	p := &Pool{
		identity:  request.Identity,
		request:   request,
		config:    cfg,
		connector: connector,
		clock:     o.clock,
		logger:    o.logger,
		tracker:   o.tracker,
		leased:    make(map[*Session]struct{}),
		stasis:    make(map[*Session]struct{}),
	}
	if cfg.ConnectRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)
	}
	return p, nil
}

// Identity returns the security identity the pool serves
func (p *Pool) Identity() string {
	return p.identity
}

// Config returns the effective pool configuration
func (p *Pool) Config() Config {
	return p.config
}

// Acquire leases a session: a free one when available, a new one while under
// capacity, otherwise it waits for a release. An exhausted pool reports
// types.ErrPoolExhausted when it does not block or the acquire timeout passes.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, types.ErrPoolClosed
	}

	var stale []*Session
	for len(p.free) > 0 {
		s := p.popFreeLocked()
		if !p.reusableLocked(s) {
			p.destroyed++
			stale = append(stale, s)
			continue
		}
		p.leaseLocked(s)
		p.mu.Unlock()
		p.destroyAll(stale)
		return s, nil
	}
	if len(stale) > 0 {
		p.passSlotsLocked()
	}

	if p.waiters.Len() == 0 && p.hasCapacityLocked() {
		p.reserved++
		p.mu.Unlock()
		p.destroyAll(stale)
		return p.open(ctx)
	}

	if !p.config.BlockWhenExhausted {
		p.mu.Unlock()
		p.destroyAll(stale)
		return nil, types.ErrPoolExhausted
	}

	w := &waiter{ch: make(chan grant, 1)}
	w.elem = p.waiters.PushBack(w)
	p.mu.Unlock()
	p.destroyAll(stale)

	return p.wait(ctx, w)
}

func (p *Pool) wait(ctx context.Context, w *waiter) (*Session, error) {
	var timeout <-chan time.Time
	if p.config.AcquireTimeout > 0 {
		timer := p.clock.NewTimer(p.config.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	var err error
	select {
	case g := <-w.ch:
		return p.accept(ctx, g)
	case <-ctx.Done():
		err = ctx.Err()
	case <-timeout:
		err = fmt.Errorf("%w: no session released within %v", types.ErrPoolExhausted, p.config.AcquireTimeout)
	}

	p.mu.Lock()
	if !w.done {
		w.done = true
		p.waiters.Remove(w.elem)
		p.mu.Unlock()
		return nil, err
	}

	// a grant raced with the cancellation: hand it on
	var discard *Session
	g := <-w.ch
	switch {
	case g.session != nil:
		delete(p.leased, g.session)
		if !p.disposed && p.reusableLocked(g.session) {
			p.returnLocked(g.session)
		} else {
			p.destroyed++
			p.passSlotsLocked()
			discard = g.session
		}
	case g.slot:
		p.reserved--
		p.passSlotsLocked()
	}
	p.mu.Unlock()

	if discard != nil {
		p.destroyAll([]*Session{discard})
	}
	return nil, err
}

func (p *Pool) accept(ctx context.Context, g grant) (*Session, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.session != nil:
		return g.session, nil
	default:
		return p.open(ctx)
	}
}

// open creates a session for a reservation already counted in p.reserved
func (p *Pool) open(ctx context.Context) (*Session, error) {
	s := newSession(p, p.clock.Now())

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.abandonReservation()
			return nil, err
		}
	}

	link, err := p.connector.Connect(ctx, p.request)
	if err != nil {
		s.setState(StateClosed)
		p.abandonReservation()
		return nil, fmt.Errorf("open session for %q: %w", p.identity, err)
	}

	p.mu.Lock()
	p.reserved--
	if p.disposed {
		p.mu.Unlock()
		_ = link.Close()
		return nil, types.ErrPoolClosed
	}
	s.link = link
	s.generation = p.generation
	p.created++
	p.leaseLocked(s)
	p.mu.Unlock()

	p.logger.Debug("session opened", zap.Stringer("session", s.id), zap.String("identity", p.identity))
	return s, nil
}

func (p *Pool) abandonReservation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved--
	p.passSlotsLocked()
}

// Release returns a leased session. With transactionPending the session
// enters stasis until its enlisted transaction resolves; otherwise it becomes
// free. Broken sessions and sessions from an older generation are destroyed.
func (p *Pool) Release(s *Session, transactionPending bool) error {
	p.mu.Lock()
	if s.pool != p {
		p.mu.Unlock()
		return types.ErrSessionNotLeased
	}
	if _, ok := p.leased[s]; !ok {
		p.mu.Unlock()
		return types.ErrSessionNotLeased
	}
	if transactionPending && s.txID == "" {
		p.mu.Unlock()
		return types.ErrNotEnlisted
	}
	delete(p.leased, s)

	if !p.disposed && p.reusableLocked(s) {
		if transactionPending {
			s.setState(StateInStasis)
			p.stasis[s] = struct{}{}
			p.tracker.Track(s.txID, s)
			if !p.config.StasisCountsAgainstMax {
				p.passSlotsLocked()
			}
		} else {
			s.txID = ""
			p.returnLocked(s)
		}
		p.mu.Unlock()
		return nil
	}

	p.destroyed++
	p.passSlotsLocked()
	p.mu.Unlock()

	p.logger.Debug("session discarded", zap.Stringer("session", s.id), zap.Bool("broken", s.broken.Load()))
	return s.destroy()
}

// transactionResolved moves s from stasis back to the free set, or destroys it
// when it broke meanwhile or would push the pool over capacity
func (p *Pool) transactionResolved(s *Session) {
	p.mu.Lock()
	if _, ok := p.stasis[s]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.stasis, s)
	s.txID = ""

	if !p.disposed && p.reusableLocked(s) && p.hasCapacityLocked() {
		p.returnLocked(s)
		p.mu.Unlock()
		return
	}

	p.destroyed++
	p.passSlotsLocked()
	p.mu.Unlock()

	if err := s.destroy(); err != nil {
		p.logger.Warn("failed to destroy session after transaction resolution", zap.Error(err))
	}
}

// Clear starts a new generation: free sessions are destroyed now, leased and
// stasis sessions when they come back
func (p *Pool) Clear() error {
	p.mu.Lock()
	p.generation++
	free := p.free
	p.free = nil
	p.destroyed += int64(len(free))
	p.passSlotsLocked()
	p.mu.Unlock()

	return p.destroyAll(free)
}

// Stats returns the pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		Leased:     len(p.leased),
		Free:       len(p.free),
		Stasis:     len(p.stasis),
		Reserved:   p.reserved,
		Lookups:    p.lookups,
		Waiters:    p.waiters.Len(),
		Open:       len(p.leased) + len(p.free) + len(p.stasis),
		MaxSize:    p.config.MaxSize,
		Generation: p.generation,
		Created:    p.created,
		Destroyed:  p.destroyed,
		Disposed:   p.disposed,
	}
}

// Prunable reports whether the pool has no outstanding references and no
// recently used free session
func (p *Pool) Prunable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prunableLocked(p.clock.Now())
}

func (p *Pool) prunableLocked(now time.Time) bool {
	if p.disposed || len(p.leased) > 0 || len(p.stasis) > 0 || p.reserved > 0 || p.lookups > 0 || p.waiters.Len() > 0 {
		return false
	}
	if p.config.IdleTimeout > 0 {
		for _, s := range p.free {
			if now.Sub(s.lastUsed) < p.config.IdleTimeout {
				return false
			}
		}
	}
	return true
}

// tryDispose disposes a prunable pool and returns its free sessions for
// destruction
func (p *Pool) tryDispose(now time.Time) ([]*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.prunableLocked(now) {
		return nil, false
	}
	p.disposed = true
	free := p.free
	p.free = nil
	p.destroyed += int64(len(free))
	return free, true
}

// dispose closes the pool unconditionally. Waiters fail with ErrPoolClosed,
// free and stasis sessions are returned for destruction, leased sessions are
// destroyed on release.
func (p *Pool) dispose() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil
	}
	p.disposed = true

	sessions := p.free
	p.free = nil
	for s := range p.stasis {
		p.tracker.untrack(s)
		delete(p.stasis, s)
		sessions = append(sessions, s)
	}
	p.destroyed += int64(len(sessions))

	for p.waiters.Len() > 0 {
		p.popWaiterLocked().ch <- grant{err: types.ErrPoolClosed}
	}
	return sessions
}

// reapIdle removes free sessions idle for at least IdleTimeout, keeping MinSize
func (p *Pool) reapIdle(now time.Time) []*Session {
	if p.config.IdleTimeout <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var reaped []*Session
	for len(p.free) > p.config.MinSize && now.Sub(p.free[0].lastUsed) >= p.config.IdleTimeout {
		reaped = append(reaped, p.free[0])
		p.free[0] = nil
		p.free = p.free[1:]
	}
	if len(reaped) > 0 {
		p.destroyed += int64(len(reaped))
		p.passSlotsLocked()
	}
	return reaped
}

func (p *Pool) beginLookup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
}

func (p *Pool) endLookup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups--
}

func (p *Pool) popFreeLocked() *Session {
	last := len(p.free) - 1
	s := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	return s
}

func (p *Pool) popWaiterLocked() *waiter {
	w := p.waiters.Remove(p.waiters.Front()).(*waiter)
	w.done = true
	return w
}

func (p *Pool) leaseLocked(s *Session) {
	s.setState(StateOpen)
	p.leased[s] = struct{}{}
}

// returnLocked hands s to the oldest waiter, or parks it in the free set
func (p *Pool) returnLocked(s *Session) {
	if p.waiters.Len() > 0 {
		p.leaseLocked(s)
		p.popWaiterLocked().ch <- grant{session: s}
		return
	}
	s.setState(StateOpen)
	s.lastUsed = p.clock.Now()
	p.free = append(p.free, s)
}

// passSlotsLocked lets waiters open sessions while capacity is available
func (p *Pool) passSlotsLocked() {
	for !p.disposed && p.waiters.Len() > 0 && p.hasCapacityLocked() {
		p.reserved++
		p.popWaiterLocked().ch <- grant{slot: true}
	}
}

func (p *Pool) hasCapacityLocked() bool {
	n := len(p.free) + len(p.leased) + p.reserved
	if p.config.StasisCountsAgainstMax {
		n += len(p.stasis)
	}
	return n < p.config.MaxSize
}

func (p *Pool) reusableLocked(s *Session) bool {
	return s.generation == p.generation && s.Healthy()
}

// destroyAll closes sessions outside the pool lock. Failures are logged and
// combined; one failing session never stops the others.
func (p *Pool) destroyAll(sessions []*Session) error {
	var errs error
	for _, s := range sessions {
		if err := s.destroy(); err != nil {
			p.logger.Warn("failed to destroy session", zap.Stringer("session", s.id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
