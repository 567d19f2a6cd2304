package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadhost/testbridge/pkg/cancel"
	"github.com/cadhost/testbridge/pkg/protocol"
)

// fakeCatalog feeds a fixed case list through the async discovery shape.
type fakeCatalog struct {
	cases []Case
	err   error
}

func (f *fakeCatalog) Discover(ctx context.Context, bundle *Bundle) (<-chan Case, <-chan error) {
	caseCh := make(chan Case)
	errCh := make(chan error, 1)
	go func() {
		defer close(caseCh)
		defer close(errCh)
		if f.err != nil {
			errCh <- f.err
			return
		}
		for _, c := range f.cases {
			caseCh <- c
		}
	}()
	return caseCh, errCh
}

// fakeRunner returns canned results and can delay or call back per case.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]CaseResult
	delay   time.Duration
	onRun   func(c Case)
	ran     []string
}

func (f *fakeRunner) Run(ctx context.Context, bundle *Bundle, c Case) CaseResult {
	if f.onRun != nil {
		f.onRun(c)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.ran = append(f.ran, c.FullName())
	f.mu.Unlock()
	if res, ok := f.results[c.FullName()]; ok {
		return res
	}
	return CaseResult{Outcome: protocol.OutcomePassed, Duration: time.Millisecond}
}

func (f *fakeRunner) ranCases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

// recordingSink collects emitted events and timestamps each write.
type recordingSink struct {
	mu     sync.Mutex
	events []protocol.ResultEvent
	times  []time.Time
	err    error
}

func (s *recordingSink) WriteResult(ev protocol.ResultEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) snapshot() []protocol.ResultEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ResultEvent(nil), s.events...)
}

var discoveredCases = []Case{
	{DeclaringType: "A", Method: "m1"},
	{DeclaringType: "A", Method: "m2"},
	{DeclaringType: "B", Method: "m1"},
}

// TestEngine_FilterSelectsExactNames executes only the requested cases
func TestEngine_FilterSelectsExactNames(t *testing.T) {
	runner := &fakeRunner{}
	e := New(&fakeCatalog{cases: discoveredCases}, runner)
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{
		RunID:   "run-1",
		Methods: []string{"A.m1", "B.m1"},
	}, sink)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Passed)
	assert.False(t, summary.EngineFault)
	assert.ElementsMatch(t, []string{"A.m1", "B.m1"}, runner.ranCases())

	events := sink.snapshot()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, protocol.OutcomePassed, ev.Outcome)
	}
}

// TestEngine_EmptyFilterRunsEverything treats an absent filter as "all"
func TestEngine_EmptyFilterRunsEverything(t *testing.T) {
	runner := &fakeRunner{}
	e := New(&fakeCatalog{cases: discoveredCases}, runner)
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{RunID: "run-2"}, sink)

	assert.Equal(t, 3, summary.Total)
	assert.Len(t, runner.ranCases(), 3)
}

// TestEngine_FilterIsCaseSensitive does not match differently-cased names
func TestEngine_FilterIsCaseSensitive(t *testing.T) {
	runner := &fakeRunner{}
	e := New(&fakeCatalog{cases: discoveredCases}, runner)
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{
		RunID:   "run-3",
		Methods: []string{"a.M1"},
	}, sink)

	assert.Equal(t, 0, summary.Total)
	assert.Empty(t, runner.ranCases())
}

// TestEngine_StreamsResultsAsCasesComplete verifies at least one result
// is written while later cases are still running, never batched at the end
func TestEngine_StreamsResultsAsCasesComplete(t *testing.T) {
	sink := &recordingSink{}
	firstObserved := make(chan int, len(discoveredCases))

	runner := &fakeRunner{
		delay: 50 * time.Millisecond,
		onRun: func(c Case) {
			// Record how many results had already been streamed when
			// this case began.
			firstObserved <- len(sink.snapshot())
		},
	}
	e := New(&fakeCatalog{cases: discoveredCases}, runner)

	summary := e.Execute(context.Background(), Request{RunID: "run-4"}, sink)
	require.Equal(t, 3, summary.Total)
	close(firstObserved)

	var counts []int
	for n := range firstObserved {
		counts = append(counts, n)
	}
	require.Len(t, counts, 3)
	// Before case k begins, exactly k results must already be streamed.
	assert.Equal(t, []int{0, 1, 2}, counts)
}

// TestEngine_CancellationShortensRun stops scheduling once the token trips
func TestEngine_CancellationShortensRun(t *testing.T) {
	token := cancel.NewToken()
	sink := &recordingSink{}

	runner := &fakeRunner{
		onRun: func(c Case) {
			if c.FullName() == "A.m2" {
				// Signal arrives mid-run, while a case is executing.
				token.Cancel()
			}
		},
	}
	e := New(&fakeCatalog{cases: discoveredCases}, runner)

	summary := e.Execute(context.Background(), Request{
		RunID: "run-5",
		Token: token,
	}, sink)

	assert.True(t, summary.Cancelled)
	assert.False(t, summary.EngineFault)
	// A.m1 and A.m2 ran; B.m1 was never scheduled.
	assert.Equal(t, []string{"A.m1", "A.m2"}, runner.ranCases())
	assert.Len(t, sink.snapshot(), 2)
	assert.Equal(t, 2, summary.Total)
}

// TestEngine_DiscoveryFaultEmitsSyntheticFailure converts an engine
// failure into exactly one Failed event naming the requested scope
func TestEngine_DiscoveryFaultEmitsSyntheticFailure(t *testing.T) {
	e := New(&fakeCatalog{err: errors.New("bundle manifest unreadable")}, &fakeRunner{})
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{
		RunID:   "run-6",
		Methods: []string{"A.m1", "B.m1"},
	}, sink)

	assert.True(t, summary.EngineFault)
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.OutcomeFailed, events[0].Outcome)
	assert.Equal(t, "A.m1, B.m1", events[0].Name)
	assert.Contains(t, events[0].ErrorMessage, "bundle manifest unreadable")
}

// TestEngine_RunnerPanicIsContained turns a panicking catalog into a
// synthetic failure instead of crossing the host boundary
func TestEngine_RunnerPanicIsContained(t *testing.T) {
	e := New(&panicCatalog{}, &fakeRunner{})
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{
		RunID:     "run-7",
		BundleDir: "/bundles/broken",
	}, sink)

	assert.True(t, summary.EngineFault)
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.OutcomeFailed, events[0].Outcome)
	assert.Equal(t, "/bundles/broken", events[0].Name)
}

type panicCatalog struct{}

func (p *panicCatalog) Discover(ctx context.Context, bundle *Bundle) (<-chan Case, <-chan error) {
	panic("discovery exploded")
}

// TestEngine_SkipReasonBecomesSkippedOutcome honors manifest skips
func TestEngine_SkipReasonBecomesSkippedOutcome(t *testing.T) {
	cases := []Case{
		{DeclaringType: "A", Method: "m1", SkipReason: "needs worksharing"},
		{DeclaringType: "A", Method: "m2"},
	}
	runner := &fakeRunner{}
	e := New(&fakeCatalog{cases: cases}, runner)
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{RunID: "run-8"}, sink)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Passed)
	// Skipped cases never reach the runner.
	assert.Equal(t, []string{"A.m2"}, runner.ranCases())

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.OutcomeSkipped, events[0].Outcome)
	assert.Equal(t, "needs worksharing", events[0].ErrorMessage)
}

// TestEngine_WritesArtifact produces the XML result document in scratch
func TestEngine_WritesArtifact(t *testing.T) {
	scratch := t.TempDir()
	runner := &fakeRunner{
		results: map[string]CaseResult{
			"A.m2": {
				Outcome:      protocol.OutcomeFailed,
				Duration:     10 * time.Millisecond,
				ErrorMessage: "assertion failed",
				StackTrace:   "at A.m2()",
			},
		},
	}
	e := New(&fakeCatalog{cases: discoveredCases}, runner, WithScratchDir(scratch))
	sink := &recordingSink{}

	summary := e.Execute(context.Background(), Request{RunID: "run-9"}, sink)

	require.NotEmpty(t, summary.ArtifactPath)
	data, err := readFile(summary.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, data, `tests="3"`)
	assert.Contains(t, data, `failures="1"`)
	assert.Contains(t, data, "assertion failed")
	assert.Contains(t, data, "A.m2")
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
