package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cadhost/testbridge/pkg/cancel"
	"github.com/cadhost/testbridge/pkg/hostsched"
	"github.com/cadhost/testbridge/pkg/isolation"
	"github.com/cadhost/testbridge/pkg/protocol"
)

// Sink receives result events as cases complete. The pipe writer
// implements this; tests substitute their own.
type Sink interface {
	WriteResult(protocol.ResultEvent) error
}

// Request describes one run handed to the engine.
type Request struct {
	RunID     string
	BundleDir string
	// Methods filters discovered cases by exact FullName match.
	// Empty means every discovered case.
	Methods []string
	// Token is the run's cooperative cancellation flag. Optional.
	Token *cancel.Token
	// Iso is the run's module-resolution boundary.
	Iso *isolation.Context
}

// Summary is the engine's terminal report for one run.
type Summary struct {
	RunID        string
	BundleDir    string
	Total        int
	Passed       int
	Failed       int
	Skipped      int
	Cancelled    bool
	EngineFault  bool
	Duration     time.Duration
	ArtifactPath string
	StartedAt    time.Time
	// Results holds every emitted event, in emission order. Feeds the
	// XML artifact and the run history; the stream itself is
	// authoritative for the client.
	Results []protocol.ResultEvent
}

// Engine drives one run through Discover, Filter, Execute, Finalize.
type Engine struct {
	catalog    Catalog
	runner     Runner
	sched      *hostsched.Scheduler
	capture    hostsched.HostFn
	scratchDir string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler wires the host scheduler used to capture host-owned
// state on the cooperative thread before execution starts.
func WithScheduler(s *hostsched.Scheduler, capture hostsched.HostFn) Option {
	return func(e *Engine) {
		e.sched = s
		e.capture = capture
	}
}

// WithScratchDir sets where the XML result artifact is written.
func WithScratchDir(dir string) Option {
	return func(e *Engine) { e.scratchDir = dir }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer enables per-run and per-case spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine over a catalog and a runner.
func New(catalog Catalog, runner Runner, opts ...Option) *Engine {
	e := &Engine{
		catalog: catalog,
		runner:  runner,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one request to completion and always returns a summary.
// Engine-level failures (not test failures) are converted into a single
// synthetic Failed event covering the requested scope, so the client
// never waits for a line that will not arrive.
func (e *Engine) Execute(ctx context.Context, req Request, sink Sink) Summary {
	summary := Summary{
		RunID:     req.RunID,
		BundleDir: req.BundleDir,
		StartedAt: time.Now(),
	}

	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()

	err := e.run(ctx, req, sink, &summary)
	if err != nil {
		e.logger.Error("engine fault", "run_id", req.RunID, "error", err)
		summary.EngineFault = true
		ev := e.emitSynthetic(req, sink, err)
		summary.Failed++
		summary.Total = emitted(&summary)
		summary.Results = append(summary.Results, ev)
	}

	summary.Duration = time.Since(summary.StartedAt)
	return summary
}

func (e *Engine) run(ctx context.Context, req Request, sink Sink, summary *Summary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	bundle := &Bundle{Dir: req.BundleDir, Iso: req.Iso}

	// Capture host-owned state on the cooperative thread before any
	// long-running work; everything after this runs off-thread.
	if e.sched != nil && e.capture != nil {
		handle, err := e.captureHostState(ctx)
		if err != nil {
			return fmt.Errorf("capture host state: %w", err)
		}
		bundle.HostHandle = handle
	}

	cases, err := e.discover(ctx, bundle)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	e.logger.Info("discovery complete",
		"run_id", req.RunID, "cases", len(cases))

	selected := filterCases(cases, req.Methods)
	summary.Total = len(selected)
	e.logger.Info("filter applied",
		"run_id", req.RunID,
		"requested", len(req.Methods),
		"selected", len(selected))

	e.execute(ctx, req, bundle, selected, sink, summary)

	summary.Duration = time.Since(summary.StartedAt)
	return e.finalize(req, summary)
}

// captureHostState submits the capture hook to the host scheduler,
// retrying briefly on pool exhaustion, which is retriable by contract.
func (e *Engine) captureHostState(ctx context.Context) (any, error) {
	const attempts = 10
	for i := 0; ; i++ {
		fut, err := e.sched.Submit(e.capture)
		if err == nil {
			return fut.Wait(ctx)
		}
		if err != hostsched.ErrPoolExhausted || i == attempts-1 {
			return nil, err
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// discover drains the catalog until it closes. The channel close is the
// discovery-complete signal; filtering must not start before it.
func (e *Engine) discover(ctx context.Context, bundle *Bundle) ([]Case, error) {
	caseCh, errCh := e.catalog.Discover(ctx, bundle)

	var cases []Case
	for c := range caseCh {
		cases = append(cases, c)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return cases, nil
}

func filterCases(cases []Case, methods []string) []Case {
	if len(methods) == 0 {
		return cases
	}
	wanted := make(map[string]bool, len(methods))
	for _, m := range methods {
		wanted[m] = true
	}
	var out []Case
	for _, c := range cases {
		if wanted[c.FullName()] {
			out = append(out, c)
		}
	}
	return out
}

// execute runs cases serially, matching the host's single-threaded
// execution model, and emits each result the moment the case completes.
func (e *Engine) execute(ctx context.Context, req Request, bundle *Bundle, cases []Case, sink Sink, summary *Summary) {
	for _, c := range cases {
		if req.Token != nil && req.Token.Cancelled() {
			// A cancelled run is a shortened run, not an error.
			// Already-emitted results stand; nothing synthetic is
			// produced for the cases never started.
			summary.Cancelled = true
			e.logger.Info("run cancelled, remaining cases not scheduled",
				"run_id", req.RunID, "remaining", summary.Total-emitted(summary))
			summary.Total = emitted(summary)
			return
		}

		ev := e.runCase(ctx, bundle, c)
		switch ev.Outcome {
		case protocol.OutcomePassed:
			summary.Passed++
		case protocol.OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}

		summary.Results = append(summary.Results, ev)

		// Stream before moving on: the client renders progress as
		// results land, never batched at the end.
		if err := sink.WriteResult(ev); err != nil {
			e.logger.Warn("result write failed, client likely gone",
				"run_id", req.RunID, "case", ev.Name, "error", err)
		}
	}
}

func emitted(s *Summary) int {
	return s.Passed + s.Failed + s.Skipped
}

func (e *Engine) runCase(ctx context.Context, bundle *Bundle, c Case) protocol.ResultEvent {
	if c.SkipReason != "" {
		return protocol.ResultEvent{
			Name:         c.FullName(),
			Outcome:      protocol.OutcomeSkipped,
			ErrorMessage: c.SkipReason,
		}
	}

	caseCtx, span := e.tracer.Start(ctx, "engine.case")
	defer span.End()

	res := e.runner.Run(caseCtx, bundle, c)
	return protocol.ResultEvent{
		Name:            c.FullName(),
		Outcome:         res.Outcome,
		Duration:        res.Duration.Seconds(),
		ErrorMessage:    res.ErrorMessage,
		ErrorStackTrace: res.StackTrace,
	}
}

func (e *Engine) finalize(req Request, summary *Summary) error {
	if e.scratchDir == "" {
		return nil
	}
	path, err := writeArtifact(e.scratchDir, req.RunID, summary)
	if err != nil {
		// The artifact is informational; losing it does not fail the
		// run, the streamed results are authoritative.
		e.logger.Warn("result artifact not written",
			"run_id", req.RunID, "error", err)
		return nil
	}
	summary.ArtifactPath = path
	e.logger.Info("result artifact written",
		"run_id", req.RunID, "path", path)
	return nil
}

// emitSynthetic reports an engine-level failure as one Failed event
// describing the whole requested scope.
func (e *Engine) emitSynthetic(req Request, sink Sink, cause error) protocol.ResultEvent {
	name := req.BundleDir
	if len(req.Methods) > 0 {
		name = strings.Join(req.Methods, ", ")
	}
	ev := protocol.ResultEvent{
		Name:         name,
		Outcome:      protocol.OutcomeFailed,
		ErrorMessage: fmt.Sprintf("test engine failure: %v", cause),
	}
	if err := sink.WriteResult(ev); err != nil {
		e.logger.Error("failed to report engine fault to client",
			"run_id", req.RunID, "error", err)
	}
	return ev
}
