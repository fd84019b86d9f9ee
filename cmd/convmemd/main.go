// Conversation memory gRPC server
// Serves inspection and maintenance over a repository shared with the
// process that records turns; the gRPC surface never writes turns itself
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/internal/config"
	"github.com/nainya/convmemory/internal/logger"
	"github.com/nainya/convmemory/internal/metrics"
	"github.com/nainya/convmemory/internal/scheduler"
	"github.com/nainya/convmemory/internal/server"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/contextdb/cached"
	"github.com/nainya/convmemory/pkg/contextdb/postgres"
	"github.com/nainya/convmemory/pkg/contextdb/redis"
	"github.com/nainya/convmemory/pkg/contextdb/sqlite"
	"github.com/nainya/convmemory/pkg/contextstore"
	"github.com/nainya/convmemory/pkg/enricher"
	"github.com/nainya/convmemory/pkg/summarizer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		grpcPort    int
		metricsPort int
		logLevel    string
	)

	flagSet := pflag.NewFlagSet("convmemd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (defaults are used when empty)")
	flagSet.IntVar(&grpcPort, "grpc-port", 0, "gRPC listen port (overrides config)")
	flagSet.IntVar(&metricsPort, "metrics-port", 0, "metrics and health port (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagSet.Changed("grpc-port") {
		cfg.Server.GrpcPort = grpcPort
	}
	if flagSet.Changed("metrics-port") {
		cfg.Server.MetricsPort = metricsPort
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg.Backend, m, log)
	if err != nil {
		return err
	}
	defer repo.Close()
	if !cfg.Backend.Shared() {
		log.Warn().Str("backend", cfg.Backend.Type).
			Msg("Backend is private to this process; no other process can add turns the server will see")
	}

	policies, err := cfg.ExpirationPolicies()
	if err != nil {
		return err
	}
	cfg.Summarizer.Policies = policies

	clk := clock.Real()
	enr := enricher.New(cfg.Enricher,
		enricher.WithClock(clk),
		enricher.WithLogger(log.Zerolog()),
	)
	sum := summarizer.New(cfg.Summarizer, enr,
		summarizer.WithClock(clk),
		summarizer.WithLogger(log.Zerolog()),
	)
	store := contextstore.New(cfg.Store, repo, enr, sum,
		contextstore.WithClock(clk),
		contextstore.WithLogger(log.StoreLogger("context_store")),
		contextstore.WithMetrics(m),
	)

	log.LogServerStart(cfg.Server.GrpcPort, cfg.Backend.Type)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GrpcPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log.GrpcLogger("context_service"))),
	)
	server.RegisterContextServiceServer(grpcServer, server.NewServer(store, log))
	reflection.Register(grpcServer)

	ready := func(ctx context.Context) error {
		_, err := repo.LoadBySession(ctx, "readiness-probe")
		if errors.Is(err, contextdb.ErrNotFound) {
			return nil
		}
		return err
	}
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, registry, ready, log)

	sched := scheduler.New(scheduler.Config{
		CleanupInterval:  cfg.Scheduler.CleanupInterval,
		OptimizeInterval: cfg.Scheduler.OptimizeInterval,
	}, store, clk, log)

	errCh := make(chan error, 3)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server failed: %w", err)
		}
	}()
	if cfg.Server.MetricsPort > 0 {
		go func() {
			if err := obs.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	log.LogServerReady(cfg.Server.GrpcPort)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error().Err(err).Msg("Server component failed")
	}

	log.LogServerShutdown()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Observability server shutdown failed")
	}
	grpcServer.GracefulStop()

	return err
}

// openRepository builds the configured backend, optionally behind the read cache
func openRepository(ctx context.Context, cfg config.BackendConfig, m *metrics.Metrics, log *logger.Logger) (contextdb.Repository, error) {
	var (
		repo contextdb.Repository
		err  error
	)

	switch cfg.Type {
	case config.BackendMemory:
		repo = contextdb.NewMemory()
	case config.BackendRedis:
		repo = redis.New(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
	case config.BackendPostgres:
		repo, err = postgres.New(ctx, postgres.Options{
			ConnString: cfg.Postgres.DSN,
			TableName:  cfg.Postgres.Table,
		})
	case config.BackendSQLite:
		repo, err = sqlite.New(sqlite.Options{
			Path:      cfg.SQLite.Path,
			TableName: cfg.SQLite.Table,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Type, err)
	}
	if reporter, ok := repo.(contextdb.DecodeErrorReporter); ok {
		reporter.SetDecodeErrorHandler(func(id string, err error) {
			m.RecordCorruptSnapshot()
			log.Warn().Err(err).Str("context_id", id).Msg("Skipping undecodable context snapshot")
		})
	}

	if !cfg.Cache.Enabled {
		return repo, nil
	}
	c, err := cached.New(repo, cached.Options{
		MaxCostBytes: cfg.Cache.MaxCostBytes,
		NumCounters:  cfg.Cache.NumCounters,
	})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	m.RegisterCacheHitRatio(c.HitRatio)
	return c, nil
}
