package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/winseros/SqlClient/internal/testutils"
	"github.com/winseros/SqlClient/pkg/types"
)

const connString = "Server=db1;Database=app"

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *testutils.FakeConnector) {
	t.Helper()
	connector := testutils.NewFakeConnector()
	r, err := NewRegistry(connector, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, connector
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(nil, DefaultConfig())
	assert.True(t, types.IsConfigurationError(err))

	cfg := DefaultConfig()
	cfg.MaxSize = 0
	_, err = NewRegistry(testutils.NewFakeConnector(), cfg)
	assert.True(t, types.IsConfigurationError(err))
}

func TestRegistry_NonPooledSession(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.HardSessions)
	assert.Equal(t, 0, snap.NonPooledSessions)

	s, err := r.Open(ctx, connString+";Pooling=false", "svc", "")
	require.NoError(t, err)
	assert.False(t, s.Pooled())

	snap = r.Snapshot()
	assert.Equal(t, 1, snap.HardSessions)
	assert.Equal(t, 1, snap.NonPooledSessions)
	assert.Equal(t, 0, snap.ActiveGroups)

	require.NoError(t, r.Release(s, false))
	snap = r.Snapshot()
	assert.Equal(t, 0, snap.HardSessions)
	assert.Equal(t, 0, snap.NonPooledSessions)
	assert.Equal(t, 0, connector.Live())

	assert.ErrorIs(t, r.Release(s, false), types.ErrSessionNotLeased)
}

func TestRegistry_SequentialOpenReusesSession(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	s1, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	require.NoError(t, r.Release(s1, false))

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.FreeSessions)
	assert.Equal(t, 0, snap.ActiveSessions)
	assert.Equal(t, 1, snap.ActivePools+snap.InactivePools)
	assert.Equal(t, 1, snap.HardSessions)

	s2, err := r.Open(ctx, "database=app;server=db1", "svc", "")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	snap = r.Snapshot()
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.Equal(t, 0, snap.FreeSessions)
	assert.Equal(t, 1, snap.HardSessions)
	assert.Equal(t, 1, connector.Opened())
}

func TestRegistry_GroupAndPoolKeys(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	a, err := r.Open(ctx, connString, "svc", "alice")
	require.NoError(t, err)
	b, err := r.Open(ctx, connString, "svc", "bob")
	require.NoError(t, err)
	c, err := r.Open(ctx, connString, "other", "alice")
	require.NoError(t, err)

	assert.NotSame(t, a.pool, b.pool)
	assert.Equal(t, "svc", b.pool.request.Credential)
	assert.Equal(t, "other", c.pool.request.Credential)
	assert.NotSame(t, a.pool, c.pool)

	snap := r.Snapshot()
	assert.Equal(t, 2, snap.ActiveGroups)
	assert.Equal(t, 3, snap.ActivePools)
	assert.Equal(t, 3, connector.Opened())
	assert.Equal(t, "bob", connector.Links()[1].Request().Identity)
}

func TestRegistry_Stasis(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	s, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	s.Enlist("tx-42")
	require.NoError(t, r.Release(s, true))

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.StasisSessions)
	assert.Equal(t, 0, snap.FreeSessions)
	assert.Equal(t, 1, snap.ActivePools)

	// a pool with stasis sessions survives pruning
	res := r.Prune()
	assert.Equal(t, 0, res.PoolsDisposed)

	assert.Equal(t, 1, r.ResolveTransaction("tx-42"))
	snap = r.Snapshot()
	assert.Equal(t, 0, snap.StasisSessions)
	assert.Equal(t, 1, snap.FreeSessions)
	assert.Equal(t, 0, r.Tracker().Len())
}

func TestRegistry_PruneSteps(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	s, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)

	// leased sessions keep everything alive
	res := r.Prune()
	assert.False(t, res.Changed())

	require.NoError(t, r.Release(s, false))

	res = r.Prune()
	assert.Equal(t, 1, res.PoolsDisposed)
	assert.Equal(t, 1, res.SessionsDestroyed)
	assert.NoError(t, res.Err)
	snap := r.Snapshot()
	assert.Equal(t, 0, snap.ActivePools+snap.InactivePools)
	assert.Equal(t, 1, snap.ActiveGroups)
	assert.Equal(t, 0, connector.Live())

	res = r.Prune()
	assert.Equal(t, 1, res.GroupsIdled)
	snap = r.Snapshot()
	assert.Equal(t, 0, snap.ActiveGroups)
	assert.Equal(t, 1, snap.InactiveGroups)

	res = r.Prune()
	assert.Equal(t, 1, res.GroupsRemoved)
	assert.Equal(t, Snapshot{}, r.Snapshot())

	for i := 0; i < 3; i++ {
		res = r.Prune()
		assert.False(t, res.Changed())
		assert.Equal(t, Snapshot{}, r.Snapshot())
	}
}

func TestRegistry_PruneReactivatesIdleGroup(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	s, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	require.NoError(t, r.Release(s, false))

	r.Prune()
	r.Prune()
	require.Equal(t, 1, r.Snapshot().InactiveGroups)

	s, err = r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)

	res := r.Prune()
	assert.Equal(t, 1, res.GroupsReactivated)
	assert.Equal(t, 0, res.GroupsRemoved)

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.ActiveGroups)
	assert.Equal(t, 1, snap.ActiveSessions)
	require.NoError(t, r.Release(s, false))
}

func TestRegistry_PruneSkipsPoolWithPendingLookup(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig(10))

	co, err := ParseConnectionString(connString)
	require.NoError(t, err)
	g, err := r.reserveGroup(groupKey(co, "svc"), co, "svc")
	require.NoError(t, err)
	p, err := g.poolFor("")
	require.NoError(t, err)
	g.unreserve()

	for i := 0; i < 3; i++ {
		res := r.Prune()
		assert.Equal(t, 0, res.PoolsDisposed)
		assert.Equal(t, 0, res.GroupsRemoved)
	}

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.endLookup()
	require.NoError(t, r.Release(s, false))

	r.Prune()
	r.Prune()
	res := r.Prune()
	assert.Equal(t, 1, res.GroupsRemoved)
}

func TestRegistry_PruneRespectsIdleTimeout(t *testing.T) {
	cfg := testConfig(10)
	cfg.IdleTimeout = time.Minute
	mClock := testutils.NewMockClock(t)
	r, _ := newTestRegistry(t, cfg, WithClock(testutils.NewClockWrapper(mClock)))

	s, err := r.Open(context.Background(), connString, "svc", "")
	require.NoError(t, err)
	require.NoError(t, r.Release(s, false))

	res := r.Prune()
	assert.Equal(t, 0, res.PoolsDisposed)
	assert.Equal(t, 1, r.Snapshot().FreeSessions)

	mClock.Advance(time.Minute)
	res = r.Prune()
	assert.Equal(t, 1, res.PoolsDisposed)
	assert.Equal(t, 0, r.Snapshot().HardSessions)
}

func TestRegistry_PruneCollectsDestroyFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r, connector := newTestRegistry(t, testConfig(10), WithLogger(zap.New(core)))
	ctx := context.Background()

	a, err := r.Open(ctx, connString, "svc", "a")
	require.NoError(t, err)
	b, err := r.Open(ctx, connString, "svc", "b")
	require.NoError(t, err)
	require.NoError(t, r.Release(a, false))
	require.NoError(t, r.Release(b, false))

	// closing a link twice fails; the sweep must still handle the other one
	require.NoError(t, connector.Links()[0].Close())

	res := r.Prune()
	assert.Equal(t, 2, res.PoolsDisposed)
	assert.Equal(t, 2, res.SessionsDestroyed)
	assert.ErrorIs(t, res.Err, testutils.ErrLinkClosed)
	assert.True(t, connector.Links()[1].Closed())
	assert.Equal(t, 1, logs.FilterMessage("failed to destroy session").Len())
}

func TestRegistry_ConcurrentFirstOpenCreatesOneGroup(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig(100))
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	sessions := make(chan *Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Open(ctx, connString, "svc", "")
			if assert.NoError(t, err) {
				sessions <- s
			}
		}()
	}
	wg.Wait()
	close(sessions)

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.ActiveGroups)
	assert.Equal(t, 1, snap.ActivePools)
	assert.Equal(t, callers, snap.ActiveSessions)

	var pool *Pool
	for s := range sessions {
		if pool == nil {
			pool = s.pool
		}
		assert.Same(t, pool, s.pool)
		require.NoError(t, r.Release(s, false))
	}
}

func TestRegistry_ConnectionStringOverridesConfig(t *testing.T) {
	cfg := testConfig(10)
	cfg.BlockWhenExhausted = false
	r, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	_, err := r.Open(ctx, connString+";Max Pool Size=1", "svc", "")
	require.NoError(t, err)
	_, err = r.Open(ctx, connString+";Max Pool Size=1", "svc", "")
	assert.ErrorIs(t, err, types.ErrPoolExhausted)

	_, err = r.Open(ctx, "server", "svc", "")
	assert.True(t, types.IsConfigurationError(err))
}

func TestRegistry_ClearPool(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	s, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	require.NoError(t, r.Release(s, false))

	require.NoError(t, r.ClearPool(connString, "svc", ""))
	assert.Equal(t, 0, connector.Live())
	assert.NoError(t, r.ClearPool(connString, "nobody", ""))

	s, err = r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	require.NoError(t, r.ClearAllPools())
	require.NoError(t, r.Release(s, false))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, r.Snapshot().HardSessions)
}

func TestRegistry_Close(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	leased, err := r.Open(ctx, connString, "svc", "a")
	require.NoError(t, err)
	free, err := r.Open(ctx, connString, "svc", "b")
	require.NoError(t, err)
	require.NoError(t, r.Release(free, false))
	parked, err := r.Open(ctx, connString, "other", "")
	require.NoError(t, err)
	parked.Enlist("tx-1")
	require.NoError(t, r.Release(parked, true))

	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, free.State())
	assert.Equal(t, StateClosed, parked.State())
	assert.Equal(t, 0, r.Tracker().Len())

	require.NoError(t, r.Release(leased, false))
	assert.Equal(t, 0, connector.Live())

	_, err = r.Open(ctx, connString, "svc", "")
	assert.ErrorIs(t, err, types.ErrRegistryClosed)
	assert.ErrorIs(t, r.Start(ctx), types.ErrRegistryClosed)
	assert.NoError(t, r.Close())
}

func TestRegistry_BackgroundPruning(t *testing.T) {
	tc := testutils.NewTestContext(t, nil)
	ctx := tc.Context()
	cfg := testConfig(10)
	cfg.PruneInterval = 30 * time.Second
	mClock := testutils.NewMockClock(t)
	r, _ := newTestRegistry(t, cfg, WithClock(testutils.NewClockWrapper(mClock)))

	s, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	require.NoError(t, r.Release(s, false))

	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))

	steps := []func(Snapshot) bool{
		func(s Snapshot) bool { return s.ActivePools+s.InactivePools == 0 && s.ActiveGroups == 1 },
		func(s Snapshot) bool { return s.InactiveGroups == 1 },
		func(s Snapshot) bool { return s == Snapshot{} },
	}
	for _, done := range steps {
		mClock.Advance(cfg.PruneInterval).MustWait(ctx)
		tc.AssertEventually(func() bool { return done(r.Snapshot()) })
	}

	require.NoError(t, r.Close())
}

func TestCollector(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig(10))
	ctx := context.Background()

	_, err := r.Open(ctx, connString, "svc", "")
	require.NoError(t, err)
	s, err := r.Open(ctx, connString+";pooling=false", "svc", "")
	require.NoError(t, err)
	defer func() { _ = r.Release(s, false) }()

	c := NewCollector(r, "sqlclient")
	assert.Equal(t, 9, testutil.CollectAndCount(c))

	expected := `
# HELP sqlclient_pool_active_sessions Sessions leased to callers.
# TYPE sqlclient_pool_active_sessions gauge
sqlclient_pool_active_sessions 1
# HELP sqlclient_pool_hard_sessions Open physical sessions, pooled and non-pooled.
# TYPE sqlclient_pool_hard_sessions gauge
sqlclient_pool_hard_sessions 2
# HELP sqlclient_pool_non_pooled_sessions Sessions opened with pooling disabled.
# TYPE sqlclient_pool_non_pooled_sessions gauge
sqlclient_pool_non_pooled_sessions 1
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"sqlclient_pool_active_sessions", "sqlclient_pool_hard_sessions", "sqlclient_pool_non_pooled_sessions")
	assert.NoError(t, err)
}

func TestRegistry_OpenPropagatesConnectErrors(t *testing.T) {
	r, connector := newTestRegistry(t, testConfig(10))
	boom := errors.New("network unreachable")
	connector.FailWith(boom)

	_, err := r.Open(context.Background(), connString, "svc", "")
	assert.ErrorIs(t, err, boom)
	_, err = r.Open(context.Background(), connString+";pooling=false", "svc", "")
	assert.ErrorIs(t, err, boom)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.HardSessions)
	assert.Equal(t, 0, snap.NonPooledSessions)
}
