// Package main implements the duplexbus server. It hosts a message bus, a
// broker, or both, on the transports named in the configuration.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/duplexbus/config"
	"github.com/c360/duplexbus/health"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/natsclient"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "duplexbus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting duplexbus",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"message_bus", cfg.MessageBus.Enabled,
		"broker", cfg.Broker.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// loadConfig layers the files, applies the environment and the log flags, then
// validates.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.SetEnvFile(cliCfg.EnvFile)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve runs the application until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := a.start(ctx); err != nil {
		_ = a.stop(shutdownTimeout)
		return err
	}
	logger.Info("duplexbus started", "servers", len(a.servers))

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := a.stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("duplexbus shutdown complete")
	return nil
}

// app wires the configured servers to the shared infrastructure.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	nats     *natsclient.Client
	servers  []server
	metrics  *metric.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	nc, err := connectNATS(ctx, cfg, logger, a.registry.CoreMetrics())
	if err != nil {
		return nil, err
	}
	a.nats = nc
	if nc != nil {
		a.monitor.Register("nats", func() health.Status {
			if nc.IsHealthy() {
				return health.NewHealthy("nats", "connected")
			}
			return health.NewUnhealthy("nats", nc.Status().String())
		})
	}

	opts, err := connectorOptions(cfg, logger, a.registry.CoreMetrics())
	if err != nil {
		_ = a.closeNATS()
		return nil, err
	}

	servers, err := buildServers(cfg, newTransports(cfg, opts, nc), a.registry, logger)
	if err != nil {
		_ = a.closeNATS()
		return nil, fmt.Errorf("build servers: %w", err)
	}
	a.servers = servers
	for _, s := range servers {
		a.monitor.Register(s.Name(), s.Health)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry, a.healthCheck)
	}
	return a, nil
}

// start brings up every server concurrently, then the metrics endpoint.
func (a *app) start(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, s := range a.servers {
		g.Go(func() error {
			if err := s.Start(); err != nil {
				return fmt.Errorf("start %s: %w", s.Name(), err)
			}
			a.logger.Info("Server started", "server", s.Name())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.logger.Info("Metrics server started", "address", a.metrics.Address())
	}
	return nil
}

// stop shuts everything down in reverse start order, bounded by timeout.
func (a *app) stop(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		var errs []error
		if a.metrics != nil {
			errs = append(errs, a.metrics.Stop())
		}
		stopAll(a.servers)
		errs = append(errs, a.closeNATS())
		done <- stderrors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
}

func (a *app) closeNATS() error {
	if a.nats == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Transport.StopTimeout.Std()+time.Second)
	defer cancel()
	return a.nats.Close(ctx)
}

// healthCheck backs the /health endpoint.
func (a *app) healthCheck() (bool, any) {
	status := a.monitor.AggregateHealth(appName)
	return status.IsHealthy(), status
}
