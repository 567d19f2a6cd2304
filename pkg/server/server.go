// Package server runs the host-side command loop: accept a connection,
// read one Command, execute the run, stream results, write END, release.
// Processing is strictly serialized; the host thread is single and so is
// the run pipeline built around it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadhost/testbridge/pkg/cancel"
	"github.com/cadhost/testbridge/pkg/engine"
	"github.com/cadhost/testbridge/pkg/history"
	"github.com/cadhost/testbridge/pkg/isolation"
	"github.com/cadhost/testbridge/pkg/logging"
	"github.com/cadhost/testbridge/pkg/protocol"
)

// commandReadTimeout bounds how long a freshly accepted connection may
// sit silent before the server gives up on it.
const commandReadTimeout = 10 * time.Second

// Server owns the bridge endpoint for one host process.
type Server struct {
	listener net.Listener
	engine   *engine.Engine
	isoMgr   *isolation.Manager

	cancelTimeout time.Duration
	metrics       MetricsCollector
	logger        *slog.Logger
	logHandler    *logging.Handler
	historyStore  *history.Store

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLogHandler wires the multiplexing handler whose sink is attached
// to each run's connection for the run's duration.
func WithLogHandler(h *logging.Handler) Option {
	return func(s *Server) { s.logHandler = h }
}

// WithHistory archives finished runs.
func WithHistory(store *history.Store) Option {
	return func(s *Server) { s.historyStore = store }
}

// WithCancelConnectTimeout bounds the cancel-channel connect attempt.
func WithCancelConnectTimeout(d time.Duration) Option {
	return func(s *Server) { s.cancelTimeout = d }
}

// New creates a server over an already-listening endpoint.
func New(listener net.Listener, eng *engine.Engine, isoMgr *isolation.Manager, opts ...Option) *Server {
	s := &Server{
		listener:      listener,
		engine:        eng,
		isoMgr:        isoMgr,
		cancelTimeout: cancel.DefaultConnectTimeout,
		metrics:       NewNoopMetricsCollector(),
		logger:        slog.Default(),
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts and processes connections until the context is
// cancelled or Close is called. One command at a time: the accept loop
// blocks on each run's completion before accepting the next connection,
// which is what serializes runs inside the host process.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		s.listener.Close()
	}()

	s.logger.Info("bridge server accepting commands",
		"endpoint", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.closed:
				return nil
			default:
				return err
			}
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops the accept loop.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// handleConn processes exactly one command on one connection. Every
// failure path inside is contained here; nothing propagates to the
// accept loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	cmd, err := s.readCommand(conn)
	if err != nil {
		// Malformed input is never retried and gets no response.
		bridgeErr := NewMalformedCommandError(err)
		s.logger.Warn("dropping connection", "error", bridgeErr)
		s.metrics.ConnectionDropped(string(ErrorCodeMalformedCommand))
		conn.Close()
		return
	}

	runID := uuid.NewString()
	handle := newRunHandle(runID, cmd, conn, s.isoMgr.Create(cmd.TestAssembly))
	defer handle.Release()

	s.metrics.RunStarted(runID)
	s.logger.Info("run started",
		"run_id", runID,
		"bundle", cmd.TestAssembly,
		"methods", len(cmd.TestMethods))

	if _, err := os.Stat(cmd.TestAssembly); err != nil {
		// Not fatal here: the engine converts it into the synthetic
		// failure the client is waiting for.
		s.logger.Warn("bundle missing", "error", NewBundleNotFoundError(cmd.TestAssembly))
	}

	// Arm cooperative cancellation. Best effort: a run without a
	// reachable cancel channel still runs.
	cancellable := cancel.Watch(cmd.CancelPipe, s.cancelTimeout, handle.Token, s.logger)
	if cmd.CancelPipe != "" && !cancellable {
		s.logger.Info("run is not cancellable", "run_id", runID)
	}

	// Route host log records to the client for the run's duration.
	if s.logHandler != nil {
		s.logHandler.SetSink(handle.Writer)
		defer s.logHandler.ClearSink()
	}

	summary := s.engine.Execute(ctx, engine.Request{
		RunID:     runID,
		BundleDir: cmd.TestAssembly,
		Methods:   cmd.TestMethods,
		Token:     handle.Token,
		Iso:       handle.Iso,
	}, &countingSink{writer: handle.Writer, metrics: s.metrics})

	// END goes out even for faulted or cancelled runs; the client must
	// never hang waiting for a line that will not arrive.
	if err := handle.Writer.WriteEnd(); err != nil {
		s.logger.Warn("failed to write END",
			"error", NewClientGoneError(runID, err))
	}

	if summary.Cancelled {
		s.metrics.CancelSignal(runID)
	}
	s.metrics.RunCompleted(runID, summary.Duration, summary.Cancelled, summary.EngineFault)
	s.archive(ctx, summary)

	s.logger.Info("run finished",
		"run_id", runID,
		"total", summary.Total,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled,
		"fault", summary.EngineFault,
		"duration", summary.Duration)
}

func (s *Server) readCommand(conn net.Conn) (protocol.Command, error) {
	conn.SetReadDeadline(time.Now().Add(commandReadTimeout))
	defer conn.SetReadDeadline(time.Time{})
	return protocol.NewReader(conn).ReadCommand()
}

func (s *Server) archive(ctx context.Context, summary engine.Summary) {
	if s.historyStore == nil {
		return
	}
	err := s.historyStore.Record(ctx, history.Record{
		RunID:     summary.RunID,
		BundleDir: summary.BundleDir,
		Total:     summary.Total,
		Passed:    summary.Passed,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		Cancelled: summary.Cancelled,
		Fault:     summary.EngineFault,
		Duration:  summary.Duration,
		Artifact:  summary.ArtifactPath,
		StartedAt: summary.StartedAt,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("run not archived",
			"error", NewHistoryUnavailableError(summary.RunID, err))
	}
}

// countingSink forwards results to the pipe writer and counts outcomes.
type countingSink struct {
	writer  *protocol.Writer
	metrics MetricsCollector
}

func (c *countingSink) WriteResult(ev protocol.ResultEvent) error {
	c.metrics.ResultEmitted(ev.Outcome)
	return c.writer.WriteResult(ev)
}
