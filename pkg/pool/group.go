package pool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/winseros/SqlClient/pkg/types"
)

// GroupState is the pruning state of a Group
type GroupState int32

const (
	GroupActive GroupState = iota
	GroupIdle
	GroupDisabled
)

func (s GroupState) String() string {
	switch s {
	case GroupActive:
		return "Active"
	case GroupIdle:
		return "Idle"
	case GroupDisabled:
		return "Disabled"
	default:
		return fmt.Sprintf("GroupState(%d)", int32(s))
	}
}

// Group owns the pools of one connection string and credential, one pool
// per security identity
type Group struct {
	key        string
	options    *ConnectionOptions
	credential string
	config     Config
	connector  types.Connector
	opts       options
	logger     *zap.Logger

	mu      sync.Mutex
	pools   map[string]*Pool
	lookups int
	state   GroupState
}

func newGroup(key string, co *ConnectionOptions, credential string, cfg Config, connector types.Connector, o options) *Group {
	return &Group{
		key:        key,
		options:    co,
		credential: credential,
		config:     cfg.withOptions(co),
		connector:  connector,
		opts:       o,
		logger:     o.logger,
		pools:      make(map[string]*Pool),
	}
}

// Key returns the group key
func (g *Group) Key() string {
	return g.key
}

// State returns the pruning state
func (g *Group) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// reserve pins the group against removal until unreserve
func (g *Group) reserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GroupDisabled {
		return false
	}
	g.lookups++
	return true
}

func (g *Group) unreserve() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups--
}

// poolFor returns the pool for identity, creating it on first use. The pool
// comes back with a lookup reservation the caller must end.
func (g *Group) poolFor(identity string) (*Pool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GroupDisabled {
		return nil, types.ErrRegistryClosed
	}

	p, ok := g.pools[identity]
	if !ok {
		request := types.ConnectRequest{
			ConnectionString: g.options.Normalized(),
			Credential:       g.credential,
			Identity:         identity,
		}
		var err error
		p, err = NewPool(g.connector, request, g.config,
			WithClock(g.opts.clock),
			WithLogger(g.logger.With(zap.String("identity", identity))),
			WithStasisTracker(g.opts.tracker),
		)
		if err != nil {
			return nil, err
		}
		g.pools[identity] = p
		g.logger.Info("pool created", zap.String("identity", identity), zap.Int("max_size", g.config.MaxSize))
	}

	p.beginLookup()
	return p, nil
}

// prune advances the group one pruning step. It returns the sessions to
// destroy and whether the group is ready for removal by the registry.
func (g *Group) prune(now time.Time, res *PruneResult) ([]*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case GroupActive:
		if len(g.pools) == 0 {
			if g.lookups == 0 {
				g.state = GroupIdle
				res.GroupsIdled++
			}
			return nil, false
		}

		var doomed []*Session
		for identity, p := range g.pools {
			if free, ok := p.tryDispose(now); ok {
				delete(g.pools, identity)
				res.PoolsDisposed++
				doomed = append(doomed, free...)
				g.logger.Info("pool disposed", zap.String("identity", identity))
				continue
			}
			reaped := p.reapIdle(now)
			res.SessionsReaped += len(reaped)
			doomed = append(doomed, reaped...)
		}
		return doomed, false

	case GroupIdle:
		if len(g.pools) > 0 || g.lookups > 0 {
			g.state = GroupActive
			res.GroupsReactivated++
			return nil, false
		}
		return nil, true
	}

	return nil, false
}

// disable marks an idle, empty group removed. It reports false and
// reactivates the group when it gained pools or lookups.
func (g *Group) disable(res *PruneResult) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != GroupIdle {
		return false
	}
	if len(g.pools) > 0 || g.lookups > 0 {
		g.state = GroupActive
		res.GroupsReactivated++
		return false
	}
	g.state = GroupDisabled
	return true
}

// dispose closes every pool and disables the group
func (g *Group) dispose() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = GroupDisabled
	var doomed []*Session
	for identity, p := range g.pools {
		doomed = append(doomed, p.dispose()...)
		delete(g.pools, identity)
	}
	return doomed
}

func (g *Group) clearPool(identity string) error {
	g.mu.Lock()
	p, ok := g.pools[identity]
	g.mu.Unlock()

	if !ok {
		return nil
	}
	return p.Clear()
}

func (g *Group) snapshotPools() []*Pool {
	g.mu.Lock()
	defer g.mu.Unlock()

	pools := make([]*Pool, 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	return pools
}

// collect adds the group's counters to s
func (g *Group) collect(s *Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case GroupActive:
		s.ActiveGroups++
	case GroupIdle:
		s.InactiveGroups++
	}

	for _, p := range g.pools {
		st := p.Stats()
		s.HardSessions += st.Open
		s.ActiveSessions += st.Leased
		s.FreeSessions += st.Free
		s.StasisSessions += st.Stasis
		if st.Active() {
			s.ActivePools++
		} else {
			s.InactivePools++
		}
	}
}
