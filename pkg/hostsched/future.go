package hostsched

import (
	"context"
	"sync"
)

// Future carries the eventual result of submitted host work. Completed
// exactly once, from the host thread.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(val any) {
	f.once.Do(func() {
		f.val = val
		close(f.done)
	})
}

func (f *Future) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the work has run.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the work has run or the context expires.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
