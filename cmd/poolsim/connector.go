package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winseros/SqlClient/pkg/types"
)

var errConnectRefused = errors.New("simulated connect refused")

// simConnector opens in-memory links after a fixed latency and fails a
// fraction of connects
type simConnector struct {
	latency     time.Duration
	failureRate float64

	rand *lockedRand

	opened atomic.Int64
	failed atomic.Int64
}

func newSimConnector(latency time.Duration, failureRate float64, seed int64) *simConnector {
	return &simConnector{
		latency:     latency,
		failureRate: failureRate,
		rand:        newLockedRand(seed),
	}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (c *simConnector) Connect(ctx context.Context, req types.ConnectRequest) (types.Link, error) {
	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if c.failureRate > 0 && c.rand.Float64() < c.failureRate {
		c.failed.Add(1)
		return nil, errConnectRefused
	}

	c.opened.Add(1)
	return &simLink{}, nil
}

type simLink struct {
	closed atomic.Bool
}

func (l *simLink) Close() error {
	if l.closed.Swap(true) {
		return errors.New("link already closed")
	}
	return nil
}

func (l *simLink) Healthy() bool {
	return !l.closed.Load()
}
