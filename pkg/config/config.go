// Package config loads the retry, pool and logging settings from defaults,
// a YAML file and SQLCLIENT_ environment variables, in that order.
package config

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/winseros/SqlClient/pkg/pool"
	"github.com/winseros/SqlClient/pkg/retry"
)

// Config is the complete client configuration
type Config struct {
	Retry retry.Config `yaml:"retry" env:"RETRY"`
	Pool  pool.Config  `yaml:"pool" env:"POOL"`
	Log   LogConfig    `yaml:"log" env:"LOG"`
}

// LogConfig selects the logger built by NewLogger
type LogConfig struct {
	// Level is one of debug, info, warn or error
	Level string `yaml:"level" env:"LEVEL"`

	// Development switches to the human readable console encoder
	Development bool `yaml:"development" env:"DEVELOPMENT"`

	// OutputPaths are zap sink URLs, stderr when empty
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Retry: retry.DefaultConfig(),
		Pool:  pool.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks every section and reports all failures together
func (c *Config) Validate() error {
	var err error
	if rerr := c.Retry.Validate(); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("retry: %w", rerr))
	}
	if perr := c.Pool.Validate(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("pool: %w", perr))
	}
	if lerr := c.Log.Validate(); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log: %w", lerr))
	}
	return err
}

// Validate checks the log level
func (c LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return err
	}
	return nil
}
