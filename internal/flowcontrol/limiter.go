package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

var (
	// ErrShuttingDown is returned by Admit once the limiter is closed.
	ErrShuttingDown = errors.New("flow control is shutting down")
	// ErrReleaseUnderflow is returned when more is released than was admitted.
	ErrReleaseUnderflow = errors.New("flow control release exceeds outstanding")
)

// Limiter admits messages against an outstanding message count and byte budget.
// Admit blocks while the budget is exhausted; Release returns capacity.
// It is safe for concurrent use.
type Limiter struct {
	maxMessages int64
	maxBytes    int64

	count *semaphore.Weighted
	bytes *semaphore.Weighted // nil when the byte budget is uncapped

	mu               sync.Mutex
	outstanding      int64
	outstandingBytes int64

	closed    context.Context
	closeFunc context.CancelFunc
}

// New creates a limiter for the given budget.
func New(fc subscriber.FlowControl) (*Limiter, error) {
	if err := fc.Validate(); err != nil {
		return nil, err
	}

	closed, closeFunc := context.WithCancel(context.Background())
	l := &Limiter{
		maxMessages: int64(fc.MaxOutstandingMessages),
		maxBytes:    fc.MaxOutstandingBytes,
		count:       semaphore.NewWeighted(int64(fc.MaxOutstandingMessages)),
		closed:      closed,
		closeFunc:   closeFunc,
	}
	if fc.MaxOutstandingBytes > 0 {
		l.bytes = semaphore.NewWeighted(fc.MaxOutstandingBytes)
	}
	return l, nil
}

// Admit reserves one message slot and size bytes.
// A message larger than the whole byte budget can never fit and fails fast
// with subscriber.ErrMessageTooLarge.
func (l *Limiter) Admit(ctx context.Context, size int64) error {
	if size < 0 {
		size = 0
	}
	if l.maxBytes > 0 && size > l.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds budget of %d", subscriber.ErrMessageTooLarge, size, l.maxBytes)
	}
	if l.closed.Err() != nil {
		return ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.closed, cancel)
	defer stop()

	if err := l.count.Acquire(ctx, 1); err != nil {
		return l.acquireErr(err)
	}
	if l.bytes != nil {
		if err := l.bytes.Acquire(ctx, size); err != nil {
			l.count.Release(1)
			return l.acquireErr(err)
		}
	}

	l.mu.Lock()
	l.outstanding++
	l.outstandingBytes += size
	l.mu.Unlock()
	return nil
}

// Release returns one message slot and size bytes to the budget.
func (l *Limiter) Release(size int64) error {
	if size < 0 {
		size = 0
	}

	l.mu.Lock()
	if l.outstanding == 0 || l.outstandingBytes < size {
		l.mu.Unlock()
		return ErrReleaseUnderflow
	}
	l.outstanding--
	l.outstandingBytes -= size
	l.mu.Unlock()

	if l.bytes != nil {
		l.bytes.Release(size)
	}
	l.count.Release(1)
	return nil
}

// Outstanding returns the admitted-but-unreleased message count and bytes.
func (l *Limiter) Outstanding() (int, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.outstanding), l.outstandingBytes
}

// Close refuses further admits and wakes blocked ones. Release keeps working
// so outstanding messages can still be finalized. Safe to call multiple times.
func (l *Limiter) Close() {
	l.closeFunc()
}

// Closed reports whether Close has been called.
func (l *Limiter) Closed() bool {
	return l.closed.Err() != nil
}

func (l *Limiter) acquireErr(err error) error {
	if l.closed.Err() != nil {
		return ErrShuttingDown
	}
	return err
}
