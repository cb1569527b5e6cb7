package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/winseros/SqlClient/pkg/config"
)

type rootOptions struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "poolsim",
		Short: "Session pool load simulator",
		Long: `poolsim opens and releases pooled sessions from many concurrent workers
against an in-memory connector. Commands run through the configured retry
policy and transient faults are injected at a configurable rate.

Configuration is read from defaults, then --config, then SQLCLIENT_*
environment variables. A .env file is loaded first when present.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newSimulateCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))

	return cmd
}

// load reads the env file, the configuration and builds the logger
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.NewLoader().WithConfigPath(o.configPath).Load()
	if err != nil {
		return nil, nil, err
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
