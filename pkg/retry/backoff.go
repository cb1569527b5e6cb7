package retry

import (
	"math"
	"math/rand"
	"time"
)

// IntervalEnumerator yields the waits between the attempts of one execution.
// Next reports false once no further attempt is allowed.
type IntervalEnumerator interface {
	// Next returns the wait before the next attempt
	Next() (time.Duration, bool)

	// Reset rewinds the enumerator to the first attempt
	Reset()
}

// IntervalSchedule holds the immutable parameters of a strategy and hands
// out one enumerator per execution
type IntervalSchedule interface {
	// NewEnumerator returns a fresh enumerator positioned at the first attempt
	NewEnumerator() IntervalEnumerator

	// MaxAttempts returns the total number of attempts, including the first
	MaxAttempts() int
}

// attemptCounter tracks the 1-indexed wait number. An execution with n
// attempts has at most n-1 waits.
type attemptCounter struct {
	maxWaits int
	attempt  int
}

func (c *attemptCounter) advance() (int, bool) {
	if c.attempt >= c.maxWaits {
		return 0, false
	}
	c.attempt++
	return c.attempt, true
}

// Reset rewinds the counter
func (c *attemptCounter) Reset() {
	c.attempt = 0
}

func waitsFor(maxAttempts int) int {
	if maxAttempts < 1 {
		return 0
	}
	return maxAttempts - 1
}

// clampInterval caps v at maxInterval, then floors it at minInterval
func clampInterval(v float64, minInterval, maxInterval time.Duration) time.Duration {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > float64(maxInterval) {
		v = float64(maxInterval)
	}
	d := time.Duration(v)
	if d < minInterval {
		d = minInterval
	}
	return d
}

// FixedSchedule waits the same interval before every retry
type FixedSchedule struct {
	maxAttempts int
	interval    time.Duration
}

// NewFixedSchedule creates a fixed interval schedule
func NewFixedSchedule(maxAttempts int, interval time.Duration) *FixedSchedule {
	return &FixedSchedule{
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// MaxAttempts returns the total number of attempts
func (s *FixedSchedule) MaxAttempts() int {
	return s.maxAttempts
}

// NewEnumerator returns a fresh enumerator
func (s *FixedSchedule) NewEnumerator() IntervalEnumerator {
	return &fixedEnumerator{
		attemptCounter: attemptCounter{maxWaits: waitsFor(s.maxAttempts)},
		interval:       s.interval,
	}
}

type fixedEnumerator struct {
	attemptCounter
	interval time.Duration
}

func (e *fixedEnumerator) Next() (time.Duration, bool) {
	if _, ok := e.advance(); !ok {
		return 0, false
	}
	return e.interval, true
}

// IncrementalSchedule grows the wait linearly: interval * attempt
type IncrementalSchedule struct {
	maxAttempts int
	interval    time.Duration
	maxInterval time.Duration
	minInterval time.Duration
}

// NewIncrementalSchedule creates a linearly growing schedule
func NewIncrementalSchedule(maxAttempts int, interval, maxInterval, minInterval time.Duration) *IncrementalSchedule {
	return &IncrementalSchedule{
		maxAttempts: maxAttempts,
		interval:    interval,
		maxInterval: maxInterval,
		minInterval: minInterval,
	}
}

// MaxAttempts returns the total number of attempts
func (s *IncrementalSchedule) MaxAttempts() int {
	return s.maxAttempts
}

// NewEnumerator returns a fresh enumerator
func (s *IncrementalSchedule) NewEnumerator() IntervalEnumerator {
	return &incrementalEnumerator{
		attemptCounter: attemptCounter{maxWaits: waitsFor(s.maxAttempts)},
		schedule:       s,
	}
}

type incrementalEnumerator struct {
	attemptCounter
	schedule *IncrementalSchedule
}

func (e *incrementalEnumerator) Next() (time.Duration, bool) {
	attempt, ok := e.advance()
	if !ok {
		return 0, false
	}
	s := e.schedule
	return clampInterval(float64(s.interval)*float64(attempt), s.minInterval, s.maxInterval), true
}

// DefaultJitterFactor is the fraction of the computed exponential wait used
// as the upper bound of the random jitter
const DefaultJitterFactor = 0.2

// ExponentialSchedule doubles the wait on every retry and adds random jitter
// so that many clients failing together do not retry in lockstep
type ExponentialSchedule struct {
	maxAttempts  int
	base         time.Duration
	maxInterval  time.Duration
	minInterval  time.Duration
	jitterFactor float64

	// jitterFunc returns values in [0, 1); it must be safe for concurrent use
	jitterFunc func() float64
}

// NewExponentialSchedule creates an exponential schedule with the default jitter
func NewExponentialSchedule(maxAttempts int, base, maxInterval, minInterval time.Duration) *ExponentialSchedule {
	return &ExponentialSchedule{
		maxAttempts:  maxAttempts,
		base:         base,
		maxInterval:  maxInterval,
		minInterval:  minInterval,
		jitterFactor: DefaultJitterFactor,
		jitterFunc:   rand.Float64,
	}
}

// WithJitter returns a copy of the schedule using the given jitter factor and
// random source. A nil fn keeps the current source.
func (s *ExponentialSchedule) WithJitter(factor float64, fn func() float64) *ExponentialSchedule {
	clone := *s
	clone.jitterFactor = factor
	if fn != nil {
		clone.jitterFunc = fn
	}
	return &clone
}

// MaxAttempts returns the total number of attempts
func (s *ExponentialSchedule) MaxAttempts() int {
	return s.maxAttempts
}

// NewEnumerator returns a fresh enumerator
func (s *ExponentialSchedule) NewEnumerator() IntervalEnumerator {
	return &exponentialEnumerator{
		attemptCounter: attemptCounter{maxWaits: waitsFor(s.maxAttempts)},
		schedule:       s,
	}
}

// delay computes wait number attempt (1-indexed)
func (s *ExponentialSchedule) delay(attempt int) time.Duration {
	value := math.Min(float64(s.base)*math.Pow(2, float64(attempt-1)), float64(s.maxInterval))
	if s.jitterFactor > 0 && s.jitterFunc != nil {
		value += value * s.jitterFactor * s.jitterFunc()
	}
	return clampInterval(value, s.minInterval, s.maxInterval)
}

type exponentialEnumerator struct {
	attemptCounter
	schedule *ExponentialSchedule
}

func (e *exponentialEnumerator) Next() (time.Duration, bool) {
	attempt, ok := e.advance()
	if !ok {
		return 0, false
	}
	return e.schedule.delay(attempt), true
}

// NoneSchedule allows a single attempt and never waits
type NoneSchedule struct{}

// NewNoneSchedule creates a single-attempt schedule
func NewNoneSchedule() *NoneSchedule {
	return &NoneSchedule{}
}

// MaxAttempts always returns 1
func (NoneSchedule) MaxAttempts() int {
	return 1
}

// NewEnumerator returns an enumerator that never yields a wait
func (NoneSchedule) NewEnumerator() IntervalEnumerator {
	return noneEnumerator{}
}

type noneEnumerator struct{}

func (noneEnumerator) Next() (time.Duration, bool) { return 0, false }
func (noneEnumerator) Reset()                      {}
