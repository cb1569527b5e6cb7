package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/winseros/SqlClient/pkg/types"
)

// PruneResult reports what one Prune call changed
type PruneResult struct {
	PoolsDisposed     int
	SessionsReaped    int
	SessionsDestroyed int
	GroupsIdled       int
	GroupsReactivated int
	GroupsRemoved     int

	// Err combines the failures of sessions that could not be closed cleanly
	Err error
}

// Changed reports whether the sweep changed any pool or group
func (r PruneResult) Changed() bool {
	return r.PoolsDisposed+r.SessionsReaped+r.SessionsDestroyed+r.GroupsIdled+r.GroupsReactivated+r.GroupsRemoved > 0
}

// Registry is the table of pool groups. Groups and pools are created on
// first use, exactly once per key, and removed only by pruning.
type Registry struct {
	config    Config
	connector types.Connector
	opts      options
	logger    *zap.Logger

	mu     sync.RWMutex
	groups map[string]*Group
	closed bool
	builds singleflight.Group

	nonPooled atomic.Int64

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry opening sessions through connector
func NewRegistry(connector types.Connector, cfg Config, opts ...Option) (*Registry, error) {
	if connector == nil {
		return nil, types.NewConfigurationError("connector", "must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	o.logger = o.logger.With(zap.String("component", "pool"))

	return &Registry{
		config:    cfg,
		connector: connector,
		opts:      o,
		logger:    o.logger,
		groups:    make(map[string]*Group),
	}, nil
}

// Tracker returns the stasis tracker shared by every pool of the registry
func (r *Registry) Tracker() *StasisTracker {
	return r.opts.tracker
}

func groupKey(co *ConnectionOptions, credential string) string {
	return co.Normalized() + "|" + credential
}

// Open leases a session for the connection string, credential and security
// identity. Non-pooled connection strings get a dedicated session.
func (r *Registry) Open(ctx context.Context, connectionString, credential, identity string) (*Session, error) {
	co, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	if !co.Pooling {
		return r.openNonPooled(ctx, co, credential, identity)
	}

	g, err := r.reserveGroup(groupKey(co, credential), co, credential)
	if err != nil {
		return nil, err
	}
	p, err := g.poolFor(identity)
	g.unreserve()
	if err != nil {
		return nil, err
	}
	defer p.endLookup()

	return p.Acquire(ctx)
}

// reserveGroup returns the group for key with a lookup reservation, creating
// it on first use
func (r *Registry) reserveGroup(key string, co *ConnectionOptions, credential string) (*Group, error) {
	for {
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return nil, types.ErrRegistryClosed
		}
		g := r.groups[key]
		reserved := g != nil && g.reserve()
		r.mu.RUnlock()

		if reserved {
			return g, nil
		}

		_, err, _ := r.builds.Do(key, func() (interface{}, error) {
			r.mu.Lock()
			defer r.mu.Unlock()

			if r.closed {
				return nil, types.ErrRegistryClosed
			}
			if g, ok := r.groups[key]; ok {
				return g, nil
			}
			g := newGroup(key, co, credential, r.config, r.connector, r.opts)
			r.groups[key] = g
			r.logger.Info("pool group created", zap.Int("groups", len(r.groups)))
			return g, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

func (r *Registry) openNonPooled(ctx context.Context, co *ConnectionOptions, credential, identity string) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, types.ErrRegistryClosed
	}

	s := newSession(nil, r.opts.clock.Now())
	link, err := r.connector.Connect(ctx, types.ConnectRequest{
		ConnectionString: co.Normalized(),
		Credential:       credential,
		Identity:         identity,
	})
	if err != nil {
		return nil, fmt.Errorf("open non-pooled session: %w", err)
	}

	s.link = link
	s.setState(StateOpen)
	r.nonPooled.Add(1)
	r.logger.Debug("non-pooled session opened", zap.Stringer("session", s.id))
	return s, nil
}

// Release returns a session obtained from Open. transactionPending parks a
// pooled session in stasis until ResolveTransaction; non-pooled sessions are
// always destroyed.
func (r *Registry) Release(s *Session, transactionPending bool) error {
	if s.pool != nil {
		return s.pool.Release(s, transactionPending)
	}

	if SessionState(s.state.Swap(int32(StateClosed))) == StateClosed {
		return types.ErrSessionNotLeased
	}
	r.nonPooled.Add(-1)
	if s.link == nil {
		return nil
	}
	if err := s.link.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}

// ResolveTransaction returns every stasis session of txID to its pool
func (r *Registry) ResolveTransaction(txID string) int {
	return r.opts.tracker.Resolve(txID)
}

// Prune advances every group one step of the pruning protocol:
//
//  1. an active group disposes its prunable pools and reaps idle sessions
//  2. an active group without pools or lookups becomes idle
//  3. an idle group still empty is removed; otherwise it becomes active again
//
// A quiescent registry therefore empties in three calls, and further calls
// change nothing.
func (r *Registry) Prune() PruneResult {
	now := r.opts.clock.Now()

	r.mu.RLock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	var res PruneResult
	var doomed []*Session
	for _, g := range groups {
		sessions, removable := g.prune(now, &res)
		doomed = append(doomed, sessions...)
		if removable {
			r.removeGroup(g, &res)
		}
	}

	res.SessionsDestroyed = len(doomed)
	res.Err = r.destroyAll(doomed)

	if res.Changed() {
		r.logger.Debug("pruned",
			zap.Int("pools_disposed", res.PoolsDisposed),
			zap.Int("sessions_destroyed", res.SessionsDestroyed),
			zap.Int("groups_idled", res.GroupsIdled),
			zap.Int("groups_removed", res.GroupsRemoved),
		)
	}
	return res
}

func (r *Registry) removeGroup(g *Group, res *PruneResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[g.key] != g || !g.disable(res) {
		return
	}
	delete(r.groups, g.key)
	res.GroupsRemoved++
	r.logger.Info("pool group removed", zap.Int("groups", len(r.groups)))
}

// Start runs Prune every PruneInterval until ctx ends or Close is called
func (r *Registry) Start(ctx context.Context) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return types.ErrRegistryClosed
	}
	if r.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := r.opts.clock.NewTicker(r.config.PruneInterval)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if res := r.Prune(); res.Err != nil {
					r.logger.Warn("pruning left sessions that failed to close", zap.Error(res.Err))
				}
			}
		}
	}()
	return nil
}

func (r *Registry) stop() {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops background pruning and disposes every pool. Sessions still
// leased are destroyed when released.
func (r *Registry) Close() error {
	r.stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.groups = make(map[string]*Group)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
		eg   errgroup.Group
	)
	eg.SetLimit(8)
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			err := r.destroyAll(g.dispose())
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	r.logger.Info("registry closed", zap.Int("groups", len(groups)))
	return errs
}

// ClearPool destroys the free sessions of one pool and retires its leased
// ones when they come back
func (r *Registry) ClearPool(connectionString, credential, identity string) error {
	co, err := ParseConnectionString(connectionString)
	if err != nil {
		return err
	}

	r.mu.RLock()
	g := r.groups[groupKey(co, credential)]
	r.mu.RUnlock()

	if g == nil {
		return nil
	}
	return g.clearPool(identity)
}

// ClearAllPools clears every pool of every group
func (r *Registry) ClearAllPools() error {
	r.mu.RLock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	var errs error
	for _, g := range groups {
		for _, p := range g.snapshotPools() {
			errs = multierr.Append(errs, p.Clear())
		}
	}
	return errs
}

func (r *Registry) destroyAll(sessions []*Session) error {
	var errs error
	for _, s := range sessions {
		if err := s.destroy(); err != nil {
			r.logger.Warn("failed to destroy session", zap.Stringer("session", s.id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
