package testutils

import (
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/winseros/SqlClient/pkg/types"
)

// NewMockClock creates a mock clock for testing
func NewMockClock(t testing.TB) *quartz.Mock {
	return quartz.NewMock(t)
}

// ClockWrapper adapts quartz.Mock to types.Clock
type ClockWrapper struct {
	*quartz.Mock
}

// NewClockWrapper creates a new ClockWrapper
func NewClockWrapper(mock *quartz.Mock) *ClockWrapper {
	return &ClockWrapper{Mock: mock}
}

// Now returns the current time
func (c *ClockWrapper) Now() time.Time {
	return c.Mock.Now()
}

// Since returns the time elapsed since t
func (c *ClockWrapper) Since(t time.Time) time.Duration {
	return c.Mock.Since(t)
}

// NewTimer creates a new Timer
func (c *ClockWrapper) NewTimer(d time.Duration) types.Timer {
	return &timerWrapper{timer: c.Mock.NewTimer(d)}
}

// NewTicker creates a new Ticker
func (c *ClockWrapper) NewTicker(d time.Duration) types.Ticker {
	return &tickerWrapper{ticker: c.Mock.NewTicker(d)}
}

type timerWrapper struct {
	timer *quartz.Timer
}

func (t *timerWrapper) C() <-chan time.Time {
	return t.timer.C
}

func (t *timerWrapper) Stop() bool {
	return t.timer.Stop()
}

type tickerWrapper struct {
	ticker *quartz.Ticker
}

func (t *tickerWrapper) C() <-chan time.Time {
	return t.ticker.C
}

func (t *tickerWrapper) Stop() {
	t.ticker.Stop()
}

var _ types.Clock = (*ClockWrapper)(nil)

// InstantClock fires every timer immediately and records the requested
// durations. Now, Since and tickers come from the wrapped mock.
type InstantClock struct {
	*ClockWrapper

	mu     sync.Mutex
	timers []time.Duration
}

// NewInstantClock creates an InstantClock over a fresh mock
func NewInstantClock(t testing.TB) *InstantClock {
	return &InstantClock{ClockWrapper: NewClockWrapper(quartz.NewMock(t))}
}

// NewTimer returns a timer that has already fired
func (c *InstantClock) NewTimer(d time.Duration) types.Timer {
	c.mu.Lock()
	c.timers = append(c.timers, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return &stubTimer{ch: ch}
}

// Timers returns the durations of every timer created so far
func (c *InstantClock) Timers() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.timers...)
}

// StalledClock returns timers that never fire
type StalledClock struct {
	*ClockWrapper
}

// NewStalledClock creates a StalledClock over a fresh mock
func NewStalledClock(t testing.TB) *StalledClock {
	return &StalledClock{ClockWrapper: NewClockWrapper(quartz.NewMock(t))}
}

// NewTimer returns a timer that never fires
func (c *StalledClock) NewTimer(time.Duration) types.Timer {
	return &stubTimer{ch: make(chan time.Time)}
}

type stubTimer struct {
	ch chan time.Time
}

func (t *stubTimer) C() <-chan time.Time { return t.ch }
func (t *stubTimer) Stop() bool         { return true }
