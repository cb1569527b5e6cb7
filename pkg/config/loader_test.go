package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winseros/SqlClient/pkg/pool"
	"github.com/winseros/SqlClient/pkg/retry"
	"github.com/winseros/SqlClient/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlclient.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, retry.DefaultConfig(), cfg.Retry)
	assert.Equal(t, pool.DefaultConfig(), cfg.Pool)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithLookupEnv(envMap(nil)).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
retry:
  strategy: exponential
  max_attempts: 4
  interval: 100ms
  max_interval: 2s
  blocked_statements: [insert, update]
  transient_errors: [1205, 40613]
pool:
  max_size: 20
  min_size: 2
  acquire_timeout: 5s
  idle_timeout: 1m
log:
  level: debug
  development: true
`)

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, retry.StrategyExponential, cfg.Retry.Strategy)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.Interval)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, retry.Insert|retry.Update, cfg.Retry.BlockedStatements)
	assert.Equal(t, []int{1205, 40613}, cfg.Retry.TransientErrors)
	assert.Equal(t, retry.DefaultJitterFactor, cfg.Retry.JitterFactor, "unset keys keep defaults")

	assert.Equal(t, 20, cfg.Pool.MaxSize)
	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, time.Minute, cfg.Pool.IdleTimeout)
	assert.True(t, cfg.Pool.BlockWhenExhausted)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
retry:
  strategy: fixed
  max_attempts: 2
  interval: 1s
pool:
  max_size: 20
`)

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithLookupEnv(envMap(map[string]string{
			"SQLCLIENT_RETRY_MAX_ATTEMPTS":       "5",
			"SQLCLIENT_RETRY_BLOCKED_STATEMENTS": "delete|drop",
			"SQLCLIENT_RETRY_TRANSIENT_ERRORS":   "1205, 1222",
			"SQLCLIENT_RETRY_JITTER_FACTOR":      "0.5",
			"SQLCLIENT_POOL_MAX_SIZE":            "8",
			"SQLCLIENT_POOL_IDLE_TIMEOUT":        "90s",
			"SQLCLIENT_POOL_BLOCK_WHEN_EXHAUSTED": "false",
			"SQLCLIENT_LOG_OUTPUT_PATHS":         "stdout,stderr",
			"SQLCLIENT_LOG_LEVEL":                "",
		})).
		Load()
	require.NoError(t, err)

	assert.Equal(t, retry.StrategyFixed, cfg.Retry.Strategy)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Interval)
	assert.Equal(t, retry.Delete|retry.Drop, cfg.Retry.BlockedStatements)
	assert.Equal(t, []int{1205, 1222}, cfg.Retry.TransientErrors)
	assert.Equal(t, 0.5, cfg.Retry.JitterFactor)

	assert.Equal(t, 8, cfg.Pool.MaxSize)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout)
	assert.False(t, cfg.Pool.BlockWhenExhausted)

	assert.Equal(t, []string{"stdout", "stderr"}, cfg.Log.OutputPaths)
	assert.Equal(t, "info", cfg.Log.Level, "empty variables are ignored")
}

func TestEnvPrefix(t *testing.T) {
	t.Setenv("APP_POOL_MAX_SIZE", "3")
	t.Setenv("SQLCLIENT_POOL_MAX_SIZE", "7")

	cfg, err := NewLoader().WithEnvPrefix("APP").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxSize)

	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.MaxSize)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantMsg string
		wantCfg string
	}{
		{
			name:    "malformed yaml",
			file:    "retry: [",
			wantMsg: "failed to parse config file",
		},
		{
			name:    "unknown statement category in yaml",
			file:    "retry:\n  blocked_statements: upsert\n",
			wantMsg: "unknown statement category",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"SQLCLIENT_POOL_IDLE_TIMEOUT": "soon"},
			wantMsg: "SQLCLIENT_POOL_IDLE_TIMEOUT",
		},
		{
			name:    "bad int",
			env:     map[string]string{"SQLCLIENT_RETRY_TRANSIENT_ERRORS": "1205,x"},
			wantMsg: "SQLCLIENT_RETRY_TRANSIENT_ERRORS",
		},
		{
			name:    "bad category",
			env:     map[string]string{"SQLCLIENT_RETRY_BLOCKED_STATEMENTS": "upsert"},
			wantMsg: "unknown statement category",
		},
		{
			name:    "invalid retry section",
			file:    "retry:\n  strategy: fixed\n  max_attempts: 0\n",
			wantCfg: "maxAttempts",
		},
		{
			name:    "invalid pool section",
			env:     map[string]string{"SQLCLIENT_POOL_MAX_SIZE": "0"},
			wantCfg: "maxSize",
		},
		{
			name:    "invalid log level",
			env:     map[string]string{"SQLCLIENT_LOG_LEVEL": "loud"},
			wantMsg: "log:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader().WithLookupEnv(envMap(tt.env))
			if tt.file != "" {
				loader.WithConfigPath(writeConfig(t, tt.file))
			}

			cfg, err := loader.Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
			if tt.wantCfg != "" {
				var cerr *types.ConfigurationError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, tt.wantCfg, cerr.Field)
			}
		})
	}
}

func TestValidateReportsEverySection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Strategy = "sometimes"
	cfg.Pool.MaxSize = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry:")
	assert.Contains(t, err.Error(), "pool:")
	assert.Contains(t, err.Error(), "log:")
}

func TestCustomValidator(t *testing.T) {
	errTooSmall := errors.New("pool too small")

	_, err := NewLoader().
		WithLookupEnv(envMap(map[string]string{"SQLCLIENT_POOL_MAX_SIZE": "2"})).
		WithValidator(func(c *Config) error {
			if c.Pool.MaxSize < 4 {
				return errTooSmall
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, errTooSmall)
}

func TestMustLoad(t *testing.T) {
	path := writeConfig(t, "pool:\n  max_size: 12\n")
	assert.Equal(t, 12, MustLoad(path).Pool.MaxSize)

	bad := writeConfig(t, "pool:\n  max_size: -1\n")
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadedRetryConfigBuildsProvider(t *testing.T) {
	path := writeConfig(t, `
retry:
  strategy: incremental
  max_attempts: 3
  interval: 10ms
  max_interval: 50ms
`)
	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	provider, err := retry.NewProvider(cfg.Retry)
	require.NoError(t, err)
	assert.Equal(t, cfg.Retry, provider.Config())
}
