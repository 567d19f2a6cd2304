// Package hostsched marshals work onto the host's cooperative thread and
// hands the caller a future for the outcome. A bounded pool of handler
// slots, pre-registered while on the host thread, is checked out per
// submission and checked back in when the work completes.
package hostsched

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cadhost/testbridge/pkg/hostloop"
)

// ErrPoolExhausted means every handler slot is in use. Retriable by the
// caller; never fatal.
var ErrPoolExhausted = errors.New("host handler pool exhausted")

// DefaultPoolSize is the number of pre-registered handler slots.
const DefaultPoolSize = 4

// HostFn is a unit of work that may only execute on the host thread.
type HostFn func() (any, error)

// Scheduler submits HostFns to the cooperative loop.
type Scheduler struct {
	loop  *hostloop.Loop
	slots chan *slot
	size  int
}

// slot is one pre-registered handler lease. Checked out of the pool for
// exactly one submission; the registered handler reads the armed work
// under the lock, never from a process-wide "current" variable.
type slot struct {
	reg       *hostloop.Registration
	scheduler *Scheduler

	mu   sync.Mutex
	work HostFn
	fut  *Future
}

// New registers poolSize handler slots on the loop and returns the
// scheduler. Registration happens on the loop thread, so the loop must
// already be started.
func New(loop *hostloop.Loop, poolSize int) (*Scheduler, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	s := &Scheduler{
		loop:  loop,
		slots: make(chan *slot, poolSize),
		size:  poolSize,
	}

	for i := 0; i < poolSize; i++ {
		sl := &slot{scheduler: s}
		reg, err := loop.Register(sl.execute)
		if err != nil {
			return nil, fmt.Errorf("register handler slot %d: %w", i, err)
		}
		sl.reg = reg
		s.checkin(sl)
	}

	return s, nil
}

// PoolSize returns the number of handler slots.
func (s *Scheduler) PoolSize() int { return s.size }

// Submit stores the work in a free handler slot, raises the slot's
// handler, and returns without blocking the host thread. The returned
// future completes when the host thread has run the work.
//
// If no slot is free the caller gets ErrPoolExhausted and may retry.
func (s *Scheduler) Submit(work HostFn) (*Future, error) {
	sl, ok := s.checkout()
	if !ok {
		return nil, ErrPoolExhausted
	}

	fut := newFuture()
	sl.mu.Lock()
	sl.work = work
	sl.fut = fut
	sl.mu.Unlock()

	if err := sl.reg.Raise(); err != nil {
		sl.mu.Lock()
		sl.work, sl.fut = nil, nil
		sl.mu.Unlock()
		s.checkin(sl)
		return nil, err
	}
	return fut, nil
}

func (s *Scheduler) checkout() (*slot, bool) {
	select {
	case sl := <-s.slots:
		return sl, true
	default:
		return nil, false
	}
}

func (s *Scheduler) checkin(sl *slot) {
	s.slots <- sl
}

// execute runs on the host thread. The work's result, error, or panic is
// transferred into the future; nothing escapes into host-owned code.
func (sl *slot) execute() {
	sl.mu.Lock()
	work, fut := sl.work, sl.fut
	sl.work, sl.fut = nil, nil
	sc := sl.scheduler
	sl.mu.Unlock()

	if work == nil {
		// Spurious raise after a cancelled submission.
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				fut.fail(fmt.Errorf("panic in host work: %v", r))
			}
		}()
		val, err := work()
		if err != nil {
			fut.fail(err)
			return
		}
		fut.complete(val)
	}()

	sc.checkin(sl)
}
