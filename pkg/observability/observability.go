// Package observability wires tracing and the metrics/health HTTP
// endpoint for the bridge host. Everything here is optional; the bridge
// protocol itself never depends on it.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability configuration for one host process.
type Config struct {
	// ServiceName identifies the bridge host in traces and metrics.
	ServiceName string

	// ServiceVersion is the bridge build version.
	ServiceVersion string

	// MetricsPort is the port for the metrics/health endpoint.
	// 0 disables the HTTP server.
	MetricsPort int

	// EnableTracing enables OpenTelemetry run/case spans.
	EnableTracing bool

	// TraceExporter selects the span exporter. Only "stdout" is
	// implemented; anything else falls back to it with a warning.
	TraceExporter string
}

// DefaultConfig returns the development defaults: no metrics server, no
// tracing.
func DefaultConfig(serviceName, serviceVersion string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		TraceExporter:  "stdout",
	}
}

// Manager owns the tracer provider and the metrics HTTP server.
type Manager struct {
	config         *Config
	logger         *slog.Logger
	registry       *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
	httpServer     *http.Server
	shutdownOnce   sync.Once
}

// NewManager creates a manager. registry may be nil when metrics are
// disabled.
func NewManager(config *Config, registry *prometheus.Registry, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig("testbridge-host", "0.0.0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: config, registry: registry, logger: logger}
}

// Initialize starts the enabled components.
func (m *Manager) Initialize(ctx context.Context) error {
	m.logger.Info("initializing observability",
		"service_name", m.config.ServiceName,
		"service_version", m.config.ServiceVersion,
		"metrics_port", m.config.MetricsPort,
		"enable_tracing", m.config.EnableTracing)

	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.logger.Info("tracing initialized", "exporter", m.config.TraceExporter)
	}

	if m.config.MetricsPort > 0 {
		m.startHTTPServer()
		m.logger.Info("metrics server started",
			"port", m.config.MetricsPort,
			"endpoint", fmt.Sprintf("http://localhost:%d/metrics", m.config.MetricsPort))
	}
	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if m.config.TraceExporter != "stdout" {
		m.logger.Warn("unsupported trace exporter, falling back to stdout",
			"exporter", m.config.TraceExporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	return nil
}

// Tracer returns a tracer for name. Valid before Initialize; spans are
// no-ops until a provider is registered.
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func (m *Manager) startHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if m.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry,
			promhttp.HandlerOpts{}))
	}

	m.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
}

// Shutdown stops the components that were started.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		if m.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.httpServer.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown metrics server", "error", err)
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}

		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown tracer provider", "error", err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
				}
			}
		}
	})

	return shutdownErr
}
