// Package testutils provides test helpers shared by the retry and pool tests
package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/winseros/SqlClient/pkg/types"
)

// TestConfig test configuration
type TestConfig struct {
	Timeout time.Duration
	Verbose bool
}

// TestContext bundles a deadline context, a test logger and cleanups
type TestContext struct {
	t       *testing.T
	config  *TestConfig
	logger  *zap.Logger
	cleanup []func()
	mu      sync.Mutex
}

// NewTestContext creates new test context
func NewTestContext(t *testing.T, config *TestConfig) *TestContext {
	if config == nil {
		config = &TestConfig{Timeout: 5 * time.Second}
	}

	logger := zap.NewNop()
	if config.Verbose {
		logger = zaptest.NewLogger(t)
	}

	tc := &TestContext{
		t:      t,
		config: config,
		logger: logger,
	}
	t.Cleanup(tc.Cleanup)
	return tc
}

// T returns testing.T instance
func (tc *TestContext) T() *testing.T {
	return tc.t
}

// Logger returns the test logger
func (tc *TestContext) Logger() *zap.Logger {
	return tc.logger
}

// Context returns context with timeout
func (tc *TestContext) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), tc.config.Timeout)
	tc.AddCleanup(cancel)
	return ctx
}

// AddCleanup adds cleanup function
func (tc *TestContext) AddCleanup(fn func()) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cleanup = append(tc.cleanup, fn)
}

// Cleanup runs the cleanups in reverse order
func (tc *TestContext) Cleanup() {
	tc.mu.Lock()
	fns := tc.cleanup
	tc.cleanup = nil
	tc.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// RequireNoError asserts no error
func (tc *TestContext) RequireNoError(err error, msgAndArgs ...interface{}) {
	if !assert.NoError(tc.t, err, msgAndArgs...) {
		tc.t.FailNow()
	}
}

// AssertEventually waits for condition to be true
func (tc *TestContext) AssertEventually(condition func() bool, msgAndArgs ...interface{}) {
	assert.Eventually(tc.t, condition, tc.config.Timeout, 5*time.Millisecond, msgAndArgs...)
}

// ErrLinkClosed is returned when closing a FakeLink twice
var ErrLinkClosed = errors.New("fake link already closed")

// FakeLink is an in-memory types.Link
type FakeLink struct {
	id      int64
	request types.ConnectRequest
	broken  atomic.Bool
	closed  atomic.Bool
}

// ID returns the connect sequence number, starting at 1
func (l *FakeLink) ID() int64 {
	return l.id
}

// Request returns the request the link was opened for
func (l *FakeLink) Request() types.ConnectRequest {
	return l.request
}

// Break marks the link unhealthy
func (l *FakeLink) Break() {
	l.broken.Store(true)
}

// Closed reports whether Close was called
func (l *FakeLink) Closed() bool {
	return l.closed.Load()
}

// Healthy implements types.Link
func (l *FakeLink) Healthy() bool {
	return !l.broken.Load() && !l.closed.Load()
}

// Close implements types.Link
func (l *FakeLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLinkClosed
	}
	return nil
}

// FakeConnector opens FakeLinks and records every call
type FakeConnector struct {
	mu      sync.Mutex
	links   []*FakeLink
	failErr error
	hold    <-chan struct{}

	nextID   atomic.Int64
	attempts atomic.Int64
}

// NewFakeConnector creates a connector that always succeeds
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{}
}

// FailWith makes subsequent connects fail with err until called with nil
func (c *FakeConnector) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

// HoldUntil blocks subsequent connects until ch is closed or the caller's
// context ends. A nil channel removes the hold.
func (c *FakeConnector) HoldUntil(ch <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = ch
}

// Connect implements types.Connector
func (c *FakeConnector) Connect(ctx context.Context, req types.ConnectRequest) (types.Link, error) {
	c.attempts.Add(1)

	c.mu.Lock()
	hold, failErr := c.hold, c.failErr
	c.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	link := &FakeLink{id: c.nextID.Add(1), request: req}
	c.mu.Lock()
	c.links = append(c.links, link)
	c.mu.Unlock()
	return link, nil
}

// Attempts returns the number of Connect calls, failed ones included
func (c *FakeConnector) Attempts() int64 {
	return c.attempts.Load()
}

// Links returns every link opened so far
func (c *FakeConnector) Links() []*FakeLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FakeLink, len(c.links))
	copy(out, c.links)
	return out
}

// Opened returns the number of links opened so far
func (c *FakeConnector) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

// Live returns the number of opened links that are not closed
func (c *FakeConnector) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.links {
		if !l.Closed() {
			n++
		}
	}
	return n
}

var _ types.Connector = (*FakeConnector)(nil)
