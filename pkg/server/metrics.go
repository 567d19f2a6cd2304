package server

import (
	"sync"
	"time"

	"github.com/cadhost/testbridge/pkg/protocol"
)

// MetricsCollector receives run lifecycle measurements. Implementations
// must be safe for concurrent use.
type MetricsCollector interface {
	// RunStarted records a command accepted for processing
	RunStarted(runID string)

	// RunCompleted records a finished run
	RunCompleted(runID string, duration time.Duration, cancelled, fault bool)

	// ResultEmitted records one streamed result event
	ResultEmitted(outcome protocol.Outcome)

	// ConnectionDropped records a connection closed without a run
	ConnectionDropped(reason string)

	// CancelSignal records a cancellation observed mid-run
	CancelSignal(runID string)
}

// NoopMetricsCollector discards all measurements
type NoopMetricsCollector struct{}

// NewNoopMetricsCollector creates a no-op collector
func NewNoopMetricsCollector() *NoopMetricsCollector {
	return &NoopMetricsCollector{}
}

func (n *NoopMetricsCollector) RunStarted(string)                              {}
func (n *NoopMetricsCollector) RunCompleted(string, time.Duration, bool, bool) {}
func (n *NoopMetricsCollector) ResultEmitted(protocol.Outcome)                 {}
func (n *NoopMetricsCollector) ConnectionDropped(string)                       {}
func (n *NoopMetricsCollector) CancelSignal(string)                            {}

// Compile-time interface compliance check
var _ MetricsCollector = (*NoopMetricsCollector)(nil)

// InMemoryMetricsCollector counts measurements in memory. Intended for
// tests and local debugging.
type InMemoryMetricsCollector struct {
	mu        sync.Mutex
	started   int
	completed int
	results   map[protocol.Outcome]int
	drops     map[string]int
	cancels   int
}

// NewInMemoryMetricsCollector creates an in-memory collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		results: make(map[protocol.Outcome]int),
		drops:   make(map[string]int),
	}
}

func (m *InMemoryMetricsCollector) RunStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *InMemoryMetricsCollector) RunCompleted(string, time.Duration, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *InMemoryMetricsCollector) ResultEmitted(outcome protocol.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[outcome]++
}

func (m *InMemoryMetricsCollector) ConnectionDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[reason]++
}

func (m *InMemoryMetricsCollector) CancelSignal(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
}

// RunsStarted returns the number of accepted commands
func (m *InMemoryMetricsCollector) RunsStarted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// RunsCompleted returns the number of finished runs
func (m *InMemoryMetricsCollector) RunsCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// ResultsEmitted returns the count of streamed events with outcome
func (m *InMemoryMetricsCollector) ResultsEmitted(outcome protocol.Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[outcome]
}

// ConnectionsDropped returns the count of drops for reason
func (m *InMemoryMetricsCollector) ConnectionsDropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[reason]
}

var _ MetricsCollector = (*InMemoryMetricsCollector)(nil)
