// testbridge-host is the in-host bridge daemon. In production it is
// started by the host application's add-in shim; standalone it serves
// the same protocol for development and CI.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cadhost/testbridge/pkg/config"
	"github.com/cadhost/testbridge/pkg/engine"
	"github.com/cadhost/testbridge/pkg/history"
	"github.com/cadhost/testbridge/pkg/hostloop"
	"github.com/cadhost/testbridge/pkg/hostsched"
	"github.com/cadhost/testbridge/pkg/isolation"
	"github.com/cadhost/testbridge/pkg/logging"
	"github.com/cadhost/testbridge/pkg/observability"
	"github.com/cadhost/testbridge/pkg/protocol"
	"github.com/cadhost/testbridge/pkg/server"
)

const version = "0.3.0"

// hostSnapshot is the state captured on the cooperative thread before a
// run moves off-thread.
type hostSnapshot struct {
	PID        int
	CapturedAt time.Time
}

func main() {
	configPath := flag.String("config", "testbridge.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port (0 to disable)")
	enableTracing := flag.Bool("enable-tracing", false, "Enable OpenTelemetry tracing")
	flag.Parse()

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.Default()
	}
	if *metricsPort != 0 {
		cfg.Observability.MetricsPort = *metricsPort
	}
	if *enableTracing {
		cfg.Observability.EnableTracing = true
	}

	logHandler, logClose, err := buildLogHandler(cfg, *debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(1)
	}
	defer logClose()

	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	if cfgErr != nil {
		logger.Warn("failed to load config, using defaults",
			"error", cfgErr, "config_path", *configPath)
	}

	logger.Info("bridge host starting",
		"version", version,
		"pid", os.Getpid(),
		"config_path", *configPath)

	if err := run(cfg, logger, logHandler); err != nil {
		logger.Log(context.Background(), logging.LevelFatal,
			"bridge host failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, logHandler *logging.Handler) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The cooperative thread. Everything touching host-owned state goes
	// through the scheduler registered on it.
	loop := hostloop.New()
	loop.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loop.Stop(stopCtx)
	}()

	sched, err := hostsched.New(loop, cfg.Host.PoolSize)
	if err != nil {
		return fmt.Errorf("create host scheduler: %w", err)
	}

	hostResolver := isolation.NewHostResolver()
	isoMgr := isolation.NewManager(cfg.Host.AddinDir, hostResolver,
		cfg.Isolation.AllowPrefixes, logger)

	metrics := server.NewPrometheusMetricsCollector("testbridge")

	obs := observability.NewManager(&observability.Config{
		ServiceName:    "testbridge-host",
		ServiceVersion: version,
		MetricsPort:    cfg.Observability.MetricsPort,
		EnableTracing:  cfg.Observability.EnableTracing,
		TraceExporter:  cfg.Observability.TraceExporter,
	}, metrics.Registry(), logger)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	engineOpts := []engine.Option{
		engine.WithScheduler(sched, func() (any, error) {
			return &hostSnapshot{PID: os.Getpid(), CapturedAt: time.Now()}, nil
		}),
		engine.WithScratchDir(cfg.Host.ScratchDir),
		engine.WithLogger(logger),
	}
	if cfg.Observability.EnableTracing {
		engineOpts = append(engineOpts, engine.WithTracer(obs.Tracer("engine")))
	}
	eng := engine.New(engine.NewManifestCatalog(), engine.NewExecRunner(), engineOpts...)

	serverOpts := []server.Option{
		server.WithMetrics(metrics),
		server.WithLogger(logger),
		server.WithLogHandler(logHandler),
	}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("run history disabled", "error", err)
		} else {
			defer store.Close()
			serverOpts = append(serverOpts, server.WithHistory(store))
		}
	}

	endpoint := protocol.EndpointName(cfg.Host.PipePrefix, os.Getpid(), cfg.Host.Version)
	ln, err := protocol.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("listen on bridge endpoint: %w", err)
	}

	srv := server.New(ln, eng, isoMgr, serverOpts...)
	err = srv.Serve(ctx)
	logger.Info("bridge host stopped")
	return err
}

// buildLogHandler assembles the process-wide multiplexing handler over
// the configured local destination.
func buildLogHandler(cfg *config.Config, debug bool) (*logging.Handler, func(), error) {
	level := parseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	local := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return logging.NewHandler(local, "host"), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
