package manager

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

// Future is the handle of a running subscription.
type Future struct {
	mu    sync.Mutex
	state subscriber.HandleState
	err   error

	done       chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
}

var _ subscriber.Handle = (*Future)(nil)

func newFuture() *Future {
	return &Future{
		state:     subscriber.HandleRunning,
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Wait blocks until the subscription reaches a terminal state or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests a graceful shutdown.
func (f *Future) Cancel() {
	f.cancelOnce.Do(func() {
		f.stopping()
		close(f.cancelled)
	})
}

// Done is closed once the subscription reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// State returns the current lifecycle state.
func (f *Future) State() subscriber.HandleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the terminal error, or nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Future) cancelRequested() <-chan struct{} {
	return f.cancelled
}

// stopping moves a running future to Cancelling.
func (f *Future) stopping() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == subscriber.HandleRunning {
		f.state = subscriber.HandleCancelling
	}
}

// resolve moves the future to a terminal state. Only the first call has effect.
func (f *Future) resolve(state subscriber.HandleState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return
	}
	f.state = state
	if state == subscriber.HandleFailed {
		f.err = err
	}
	close(f.done)
}
