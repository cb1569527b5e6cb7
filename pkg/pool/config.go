package pool

import (
	"time"

	"github.com/winseros/SqlClient/pkg/types"
)

// Config holds the pool and registry settings. Connection string keys
// (max pool size, min pool size, connect timeout) override the matching
// fields for the pools built from that string.
type Config struct {
	// MaxSize is the number of sessions a pool may hold outside stasis
	MaxSize int `yaml:"max_size" json:"max_size" env:"MAX_SIZE"`

	// MinSize is the number of idle sessions kept from idle reaping
	MinSize int `yaml:"min_size" json:"min_size" env:"MIN_SIZE"`

	// AcquireTimeout bounds the wait of an exhausted acquire, 0 waits until
	// the context ends
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`

	// BlockWhenExhausted selects waiting over an immediate ErrPoolExhausted
	BlockWhenExhausted bool `yaml:"block_when_exhausted" json:"block_when_exhausted" env:"BLOCK_WHEN_EXHAUSTED"`

	// StasisCountsAgainstMax counts stasis sessions toward MaxSize
	StasisCountsAgainstMax bool `yaml:"stasis_counts_against_max" json:"stasis_counts_against_max" env:"STASIS_COUNTS_AGAINST_MAX"`

	// IdleTimeout is how long a free session stays before it is reaped and
	// how recently a pool must have been used to survive pruning. 0 disables both.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`

	// PruneInterval is the background pruning period
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval" env:"PRUNE_INTERVAL"`

	// ConnectRate limits new physical connects per second per pool, 0 is unlimited
	ConnectRate float64 `yaml:"connect_rate" json:"connect_rate" env:"CONNECT_RATE"`

	// ConnectBurst is the connect rate limiter burst
	ConnectBurst int `yaml:"connect_burst" json:"connect_burst" env:"CONNECT_BURST"`
}

// DefaultConfig returns the default pool settings
func DefaultConfig() Config {
	return Config{
		MaxSize:            100,
		AcquireTimeout:     15 * time.Second,
		BlockWhenExhausted: true,
		IdleTimeout:        4 * time.Minute,
		PruneInterval:      30 * time.Second,
		ConnectBurst:       1,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return types.NewConfigurationError("maxSize", "must be at least 1, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return types.NewConfigurationError("minSize", "must be within [0, %d], got %d", c.MaxSize, c.MinSize)
	}
	if c.AcquireTimeout < 0 {
		return types.NewConfigurationError("acquireTimeout", "must not be negative, got %v", c.AcquireTimeout)
	}
	if c.IdleTimeout < 0 {
		return types.NewConfigurationError("idleTimeout", "must not be negative, got %v", c.IdleTimeout)
	}
	if c.PruneInterval <= 0 {
		return types.NewConfigurationError("pruneInterval", "must be positive, got %v", c.PruneInterval)
	}
	if c.ConnectRate < 0 {
		return types.NewConfigurationError("connectRate", "must not be negative, got %v", c.ConnectRate)
	}
	if c.ConnectRate > 0 && c.ConnectBurst < 1 {
		return types.NewConfigurationError("connectBurst", "must be at least 1 when connectRate is set, got %d", c.ConnectBurst)
	}
	return nil
}

// withOptions applies the connection string overrides
func (c Config) withOptions(o *ConnectionOptions) Config {
	if o == nil {
		return c
	}
	if o.MaxPoolSize > 0 {
		c.MaxSize = o.MaxPoolSize
	}
	if _, ok := o.Get(KeyMinPoolSize); ok {
		c.MinSize = o.MinPoolSize
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if _, ok := o.Get(KeyConnectTimeout); ok {
		c.AcquireTimeout = o.ConnectTimeout
	}
	return c
}
