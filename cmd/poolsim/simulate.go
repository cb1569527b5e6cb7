package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/winseros/SqlClient/pkg/config"
	"github.com/winseros/SqlClient/pkg/pool"
	"github.com/winseros/SqlClient/pkg/retry"
	"github.com/winseros/SqlClient/pkg/types"
)

type simulateOptions struct {
	workers        int
	duration       time.Duration
	databases      int
	hold           time.Duration
	connectLatency time.Duration
	connectFailure float64
	faultRate      float64
	txRate         float64
	report         time.Duration
	metricsAddr    string
	seed           int64
}

type simStats struct {
	queries  atomic.Int64
	failures atomic.Int64
	txs      atomic.Int64
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run concurrent workers against the pool registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSimulation(ctx, cfg, logger, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.workers, "workers", "w", 16, "Concurrent workers")
	f.DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Simulation length")
	f.IntVar(&opts.databases, "databases", 2, "Distinct connection strings")
	f.DurationVar(&opts.hold, "hold", 5*time.Millisecond, "How long a worker keeps a session")
	f.DurationVar(&opts.connectLatency, "connect-latency", 2*time.Millisecond, "Simulated connect latency")
	f.Float64Var(&opts.connectFailure, "connect-failure", 0, "Fraction of connects that fail")
	f.Float64Var(&opts.faultRate, "fault-rate", 0.05, "Fraction of commands failing with a transient server error")
	f.Float64Var(&opts.txRate, "tx-rate", 0.1, "Fraction of sessions released with a pending transaction")
	f.DurationVar(&opts.report, "report", time.Second, "Snapshot print period, 0 disables")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.Int64Var(&opts.seed, "seed", 1, "Random seed")

	return cmd
}

func (o *simulateOptions) validate() error {
	if o.workers < 1 {
		return types.NewConfigurationError("workers", "must be at least 1, got %d", o.workers)
	}
	if o.databases < 1 {
		return types.NewConfigurationError("databases", "must be at least 1, got %d", o.databases)
	}
	if o.duration <= 0 {
		return types.NewConfigurationError("duration", "must be positive, got %v", o.duration)
	}
	for name, rate := range map[string]float64{
		"connectFailure": o.connectFailure,
		"faultRate":      o.faultRate,
		"txRate":         o.txRate,
	} {
		if rate < 0 || rate > 1 {
			return types.NewConfigurationError(name, "must be within [0, 1], got %v", rate)
		}
	}
	return nil
}

func connectionStrings(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "Server=sim;Database=db" + strconv.Itoa(i)
	}
	return out
}

func runSimulation(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts *simulateOptions, out io.Writer) error {
	if err := opts.validate(); err != nil {
		return err
	}

	connector := newSimConnector(opts.connectLatency, opts.connectFailure, opts.seed)
	registry, err := pool.NewRegistry(connector, cfg.Pool, pool.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := registry.Close(); cerr != nil {
			logger.Warn("registry close failed", zap.Error(cerr))
		}
	}()

	policy, err := retry.NewProvider(cfg.Retry, retry.WithEventHandler(retry.NewLoggingEventHandler(logger)))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	if err := registry.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.metricsAddr != "" {
		if err := serveMetrics(ctx, g, registry, opts.metricsAddr, logger); err != nil {
			return err
		}
	}

	if opts.report > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.report)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					printSnapshot(out, registry.Snapshot())
				}
			}
		})
	}

	stats := &simStats{}
	conns := connectionStrings(opts.databases)
	for i := 0; i < opts.workers; i++ {
		w := &simWorker{
			id:       i,
			registry: registry,
			policy:   policy,
			opts:     opts,
			conns:    conns,
			stats:    stats,
			rand:     rand.New(rand.NewSource(opts.seed + int64(i) + 1)),
			logger:   logger,
		}
		g.Go(func() error {
			return w.run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(out, "queries=%d failures=%d transactions=%d connects=%d connect_failures=%d retry=%+v\n",
		stats.queries.Load(), stats.failures.Load(), stats.txs.Load(),
		connector.opened.Load(), connector.failed.Load(), policy.Stats())
	printSnapshot(out, registry.Snapshot())
	return nil
}

type simWorker struct {
	id       int
	registry *pool.Registry
	policy   *retry.Provider
	opts     *simulateOptions
	conns    []string
	stats    *simStats
	rand     *rand.Rand
	logger   *zap.Logger
}

func (w *simWorker) run(ctx context.Context) error {
	for n := 0; ctx.Err() == nil; n++ {
		conn := w.conns[(w.id+n)%len(w.conns)]
		err := w.policy.Do(ctx, "SELECT * FROM sim", func(ctx context.Context) error {
			return w.query(ctx, conn)
		})
		w.stats.queries.Add(1)
		if err != nil && ctx.Err() == nil {
			w.stats.failures.Add(1)
			w.logger.Debug("query failed", zap.Int("worker", w.id), zap.Error(err))
		}
	}
	return nil
}

func (w *simWorker) query(ctx context.Context, conn string) error {
	s, err := w.registry.Open(ctx, conn, "sim", "")
	if err != nil {
		return err
	}

	if w.opts.hold > 0 {
		timer := time.NewTimer(w.opts.hold)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if w.rand.Float64() < w.opts.txRate {
		txID := uuid.NewString()
		s.Enlist(txID)
		w.stats.txs.Add(1)
		if err := w.registry.Release(s, true); err != nil {
			return err
		}
		w.registry.ResolveTransaction(txID)
	} else if err := w.registry.Release(s, false); err != nil {
		return err
	}

	if w.rand.Float64() < w.opts.faultRate {
		return types.NewServerError(1205)
	}
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, registry *pool.Registry, addr string, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(pool.NewCollector(registry, "sqlclient")); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", zap.String("addr", listener.Addr().String()))

	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return nil
}

func printSnapshot(out io.Writer, s pool.Snapshot) {
	fmt.Fprintf(out, "hard=%d active=%d free=%d stasis=%d pools=%d/%d groups=%d/%d nonpooled=%d\n",
		s.HardSessions, s.ActiveSessions, s.FreeSessions, s.StasisSessions,
		s.ActivePools, s.InactivePools, s.ActiveGroups, s.InactiveGroups, s.NonPooledSessions)
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
