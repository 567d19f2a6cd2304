package server

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadhost/testbridge/pkg/engine"
	"github.com/cadhost/testbridge/pkg/isolation"
	"github.com/cadhost/testbridge/pkg/protocol"
)

type stubCatalog struct {
	cases []engine.Case
}

func (s *stubCatalog) Discover(ctx context.Context, bundle *engine.Bundle) (<-chan engine.Case, <-chan error) {
	out := make(chan engine.Case)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, c := range s.cases {
			out <- c
		}
	}()
	return out, errs
}

type stubRunner struct {
	mu      sync.Mutex
	delay   time.Duration
	running int
	maxSeen int
}

func (s *stubRunner) Run(ctx context.Context, bundle *engine.Bundle, c engine.Case) engine.CaseResult {
	s.mu.Lock()
	s.running++
	if s.running > s.maxSeen {
		s.maxSeen = s.running
	}
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	return engine.CaseResult{Outcome: protocol.OutcomePassed}
}

func startTestServer(t *testing.T, catalog engine.Catalog, runner engine.Runner, opts ...Option) string {
	t.Helper()

	endpoint := filepath.Join(t.TempDir(), "host.sock")
	ln, err := protocol.Listen(endpoint)
	require.NoError(t, err)

	eng := engine.New(catalog, runner)
	isoMgr := isolation.NewManager("", nil, nil, nil)
	srv := New(ln, eng, isoMgr, opts...)

	ctx, cancelServe := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancelServe()
		srv.Close()
		<-done
	})
	return endpoint
}

// runCommand sends one command and drains the stream until END or EOF.
func runCommand(t *testing.T, endpoint string, cmd protocol.Command) []protocol.Frame {
	t.Helper()

	conn, err := protocol.Dial(endpoint, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.NewWriter(conn).WriteCommand(cmd))

	var frames []protocol.Frame
	r := protocol.NewReader(conn)
	for {
		f, err := r.ReadFrame()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
		if f.Kind == protocol.FrameEnd {
			return frames
		}
	}
}

// TestServer_RunRoundTrip streams results and terminates with END
func TestServer_RunRoundTrip(t *testing.T) {
	catalog := &stubCatalog{cases: []engine.Case{
		{DeclaringType: "WallTests", Method: "CreatesWall"},
		{DeclaringType: "WallTests", Method: "JoinsWalls"},
	}}
	endpoint := startTestServer(t, catalog, &stubRunner{})

	frames := runCommand(t, endpoint, protocol.Command{
		Command:      "RunTests",
		TestAssembly: t.TempDir(),
	})

	require.Len(t, frames, 3)
	assert.Equal(t, protocol.FrameResult, frames[0].Kind)
	assert.Equal(t, "WallTests.CreatesWall", frames[0].Result.Name)
	assert.Equal(t, protocol.OutcomePassed, frames[0].Result.Outcome)
	assert.Equal(t, "WallTests.JoinsWalls", frames[1].Result.Name)
	assert.Equal(t, protocol.FrameEnd, frames[2].Kind)
}

// TestServer_MethodFilter runs only the named cases
func TestServer_MethodFilter(t *testing.T) {
	catalog := &stubCatalog{cases: []engine.Case{
		{DeclaringType: "A", Method: "m1"},
		{DeclaringType: "A", Method: "m2"},
		{DeclaringType: "B", Method: "m1"},
	}}
	endpoint := startTestServer(t, catalog, &stubRunner{})

	frames := runCommand(t, endpoint, protocol.Command{
		Command:      "RunTests",
		TestAssembly: t.TempDir(),
		TestMethods:  []string{"B.m1"},
	})

	require.Len(t, frames, 2)
	assert.Equal(t, "B.m1", frames[0].Result.Name)
	assert.Equal(t, protocol.FrameEnd, frames[1].Kind)
}

// TestServer_MalformedCommandDropsConnection closes without any response
func TestServer_MalformedCommandDropsConnection(t *testing.T) {
	endpoint := startTestServer(t, &stubCatalog{}, &stubRunner{})

	conn, err := protocol.Dial(endpoint, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)
}

// TestServer_InvalidCommandVerbDropsConnection rejects unknown verbs the same way
func TestServer_InvalidCommandVerbDropsConnection(t *testing.T) {
	endpoint := startTestServer(t, &stubCatalog{}, &stubRunner{})

	conn, err := protocol.Dial(endpoint, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.NewWriter(conn).WriteCommand(protocol.Command{
		Command:      "Reboot",
		TestAssembly: t.TempDir(),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.Equal(t, io.EOF, err)
}

// TestServer_SerializesRuns never overlaps two runs
func TestServer_SerializesRuns(t *testing.T) {
	catalog := &stubCatalog{cases: []engine.Case{
		{DeclaringType: "T", Method: "slow"},
	}}
	runner := &stubRunner{delay: 100 * time.Millisecond}
	endpoint := startTestServer(t, catalog, runner)

	bundle := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frames := runCommand(t, endpoint, protocol.Command{
				Command:      "RunTests",
				TestAssembly: bundle,
			})
			assert.Equal(t, protocol.FrameEnd, frames[len(frames)-1].Kind)
		}()
	}
	wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.maxSeen, "two runs overlapped inside the host")
}

// TestServer_MissingBundleStillStreamsEnd reports the fault then END
func TestServer_MissingBundleStillStreamsEnd(t *testing.T) {
	endpoint := startTestServer(t, engine.NewManifestCatalog(), &stubRunner{})

	frames := runCommand(t, endpoint, protocol.Command{
		Command:      "RunTests",
		TestAssembly: filepath.Join(t.TempDir(), "does-not-exist"),
	})

	require.Len(t, frames, 2)
	assert.Equal(t, protocol.FrameResult, frames[0].Kind)
	assert.Equal(t, protocol.OutcomeFailed, frames[0].Result.Outcome)
	assert.Contains(t, frames[0].Result.ErrorMessage, "test engine failure")
	assert.Equal(t, protocol.FrameEnd, frames[1].Kind)
}

// TestServer_MetricsRecorded counts runs and emitted results
func TestServer_MetricsRecorded(t *testing.T) {
	catalog := &stubCatalog{cases: []engine.Case{
		{DeclaringType: "T", Method: "m"},
	}}
	metrics := NewInMemoryMetricsCollector()
	endpoint := startTestServer(t, catalog, &stubRunner{}, WithMetrics(metrics))

	runCommand(t, endpoint, protocol.Command{
		Command:      "RunTests",
		TestAssembly: t.TempDir(),
	})

	assert.Equal(t, 1, metrics.RunsStarted())
	assert.Equal(t, 1, metrics.RunsCompleted())
	assert.Equal(t, 1, metrics.ResultsEmitted(protocol.OutcomePassed))
}
