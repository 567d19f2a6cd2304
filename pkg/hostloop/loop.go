// Package hostloop models the host application's single cooperative
// thread. Host-API objects may only be touched from this thread, and the
// only way onto it is the idle-signal primitive: register a handler,
// raise it, and the loop invokes it synchronously on its own thread.
package hostloop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrLoopStopped is returned when the loop is no longer processing
// raised handlers.
var ErrLoopStopped = errors.New("host loop stopped")

// Loop is the cooperative thread. Exactly one goroutine, pinned to its
// OS thread, drains raised handlers in raise order.
type Loop struct {
	mu     sync.Mutex
	raised []*Registration

	signal  chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	running atomic.Bool
}

// Registration is a handler pre-registered with the loop. Creation is
// marshaled onto the loop thread, matching hosts that only allow
// handler registration from their own thread.
type Registration struct {
	loop *Loop
	fn   func()
}

// New creates a loop. Call Start before registering handlers.
func New() *Loop {
	return &Loop{
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the loop thread.
func (l *Loop) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

func (l *Loop) run() {
	// The host's cooperative thread is a real OS thread; keep the
	// simulation honest.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.stopped)

	for {
		select {
		case <-l.quit:
			return
		case <-l.signal:
			l.drain()
		}
	}
}

// drain invokes every raised handler synchronously, in raise order.
// A panic here is deliberately not recovered: an uncaught failure
// crossing into host-owned code is fatal to the host process, and
// callers are expected to contain their own failures first.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.raised) == 0 {
			l.mu.Unlock()
			return
		}
		reg := l.raised[0]
		l.raised = l.raised[1:]
		l.mu.Unlock()

		reg.fn()
	}
}

// Register creates a handler on the loop thread and returns it. Blocks
// until the loop has performed the registration.
func (l *Loop) Register(fn func()) (*Registration, error) {
	reg := &Registration{loop: l, fn: fn}

	done := make(chan struct{})
	create := &Registration{loop: l, fn: func() { close(done) }}

	l.mu.Lock()
	l.raised = append(l.raised, create)
	l.mu.Unlock()
	if err := l.wake(); err != nil {
		return nil, err
	}

	select {
	case <-done:
		return reg, nil
	case <-l.stopped:
		return nil, ErrLoopStopped
	}
}

// Raise queues the handler for synchronous invocation on the loop
// thread. Returns immediately; the caller must never be the loop itself
// waiting on its own work.
func (r *Registration) Raise() error {
	l := r.loop
	l.mu.Lock()
	l.raised = append(l.raised, r)
	l.mu.Unlock()
	return l.wake()
}

func (l *Loop) wake() error {
	select {
	case <-l.quit:
		return ErrLoopStopped
	default:
	}
	select {
	case l.signal <- struct{}{}:
	default:
		// Signal already pending; the drain will pick everything up.
	}
	return nil
}

// Stop shuts the loop down and waits for the thread to exit.
func (l *Loop) Stop(ctx context.Context) error {
	if l.running.CompareAndSwap(true, false) {
		close(l.quit)
	}
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
