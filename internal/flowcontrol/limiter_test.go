package flowcontrol

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

func newLimiter(t *testing.T, messages int, bytes int64) *Limiter {
	t.Helper()
	l, err := New(subscriber.FlowControl{MaxOutstandingMessages: messages, MaxOutstandingBytes: bytes})
	require.NoError(t, err)
	return l
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		fc      subscriber.FlowControl
		wantErr bool
	}{
		{name: "defaults", fc: subscriber.DefaultFlowControl()},
		{name: "uncapped bytes", fc: subscriber.FlowControl{MaxOutstandingMessages: 1}},
		{name: "zero messages", fc: subscriber.FlowControl{MaxOutstandingMessages: 0}, wantErr: true},
		{name: "negative bytes", fc: subscriber.FlowControl{MaxOutstandingMessages: 1, MaxOutstandingBytes: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fc)
			if tt.wantErr {
				assert.ErrorIs(t, err, subscriber.ErrInvalidFlowControl)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLimiter_AdmitRelease(t *testing.T) {
	l := newLimiter(t, 2, 100)
	ctx := context.Background()

	require.NoError(t, l.Admit(ctx, 40))
	require.NoError(t, l.Admit(ctx, 60))

	count, bytes := l.Outstanding()
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(100), bytes)

	require.NoError(t, l.Release(40))
	count, bytes = l.Outstanding()
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(60), bytes)
}

func TestLimiter_MessageTooLarge(t *testing.T) {
	l := newLimiter(t, 10, 1<<20)

	err := l.Admit(context.Background(), 10<<20)
	assert.ErrorIs(t, err, subscriber.ErrMessageTooLarge)

	count, bytes := l.Outstanding()
	assert.Zero(t, count)
	assert.Zero(t, bytes)
}

func TestLimiter_UncappedBytes(t *testing.T) {
	l := newLimiter(t, 1, 0)

	require.NoError(t, l.Admit(context.Background(), 1<<30))
	_, bytes := l.Outstanding()
	assert.Equal(t, int64(1<<30), bytes)
	require.NoError(t, l.Release(1<<30))
}

func TestLimiter_BlocksUntilRelease(t *testing.T) {
	l := newLimiter(t, 1, 0)
	ctx := context.Background()
	require.NoError(t, l.Admit(ctx, 10))

	admitted := make(chan error, 1)
	go func() {
		admitted <- l.Admit(ctx, 10)
	}()

	select {
	case err := <-admitted:
		t.Fatalf("second admit should block, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.Release(10))

	select {
	case err := <-admitted:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("admit did not unblock after release")
	}
}

func TestLimiter_BlocksOnBytes(t *testing.T) {
	l := newLimiter(t, 10, 100)
	ctx := context.Background()
	require.NoError(t, l.Admit(ctx, 80))

	admitted := make(chan error, 1)
	go func() {
		admitted <- l.Admit(ctx, 30)
	}()

	select {
	case <-admitted:
		t.Fatal("admit over byte budget should block")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.Release(80))
	require.NoError(t, <-admitted)

	count, bytes := l.Outstanding()
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(30), bytes)
}

func TestLimiter_CloseWakesBlockedAdmit(t *testing.T) {
	l := newLimiter(t, 1, 0)
	require.NoError(t, l.Admit(context.Background(), 1))

	admitted := make(chan error, 1)
	go func() {
		admitted <- l.Admit(context.Background(), 1)
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()
	l.Close()

	select {
	case err := <-admitted:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("close did not wake blocked admit")
	}

	assert.True(t, l.Closed())
	assert.ErrorIs(t, l.Admit(context.Background(), 1), ErrShuttingDown)

	// Outstanding messages can still be released after close.
	assert.NoError(t, l.Release(1))
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := newLimiter(t, 1, 0)
	require.NoError(t, l.Admit(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Admit(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	count, _ := l.Outstanding()
	assert.Equal(t, 1, count)
}

func TestLimiter_ReleaseUnderflow(t *testing.T) {
	l := newLimiter(t, 2, 100)

	assert.ErrorIs(t, l.Release(1), ErrReleaseUnderflow)

	require.NoError(t, l.Admit(context.Background(), 10))
	assert.ErrorIs(t, l.Release(20), ErrReleaseUnderflow)
	assert.NoError(t, l.Release(10))
	assert.ErrorIs(t, l.Release(0), ErrReleaseUnderflow)
}

// TestLimiter_NeverExceedsBudget admits and releases concurrently and checks the
// outstanding totals stay within [0, max] throughout.
func TestLimiter_NeverExceedsBudget(t *testing.T) {
	const (
		maxMessages = 5
		maxBytes    = 500
		workers     = 8
		rounds      = 200
	)
	l := newLimiter(t, maxMessages, maxBytes)
	ctx := context.Background()

	var violations sync.Map
	check := func() {
		count, bytes := l.Outstanding()
		if count < 0 || count > maxMessages || bytes < 0 || bytes > maxBytes {
			violations.Store(time.Now(), [2]int64{int64(count), bytes})
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed+1))
			for i := 0; i < rounds; i++ {
				size := r.Int64N(maxBytes + 1)
				if err := l.Admit(ctx, size); err != nil {
					t.Errorf("admit failed: %v", err)
					return
				}
				check()
				if err := l.Release(size); err != nil {
					t.Errorf("release failed: %v", err)
					return
				}
				check()
			}
		}(uint64(w))
	}
	wg.Wait()

	violations.Range(func(_, v any) bool {
		t.Errorf("budget exceeded: %v", v)
		return true
	})

	count, bytes := l.Outstanding()
	assert.Zero(t, count)
	assert.Zero(t, bytes)
	assert.True(t, errors.Is(l.Release(0), ErrReleaseUnderflow))
}
