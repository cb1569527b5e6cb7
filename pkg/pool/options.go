package pool

import (
	"go.uber.org/zap"

	"github.com/winseros/SqlClient/pkg/types"
)

type options struct {
	clock   types.Clock
	logger  *zap.Logger
	tracker *StasisTracker
}

// Option configures a Registry or a standalone Pool
type Option func(*options)

// WithClock sets the clock used for acquire timeouts, idle reaping and pruning
func WithClock(clock types.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStasisTracker shares a tracker between pools
func WithStasisTracker(tracker *StasisTracker) Option {
	return func(o *options) {
		o.tracker = tracker
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = types.OrRealClock(o.clock)
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracker == nil {
		o.tracker = NewStasisTracker()
	}
	return o
}
