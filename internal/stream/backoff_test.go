package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBackoff_FullJitterWithinCeiling(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, 2)

	ceilings := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, ceiling := range ceilings {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", i)
		assert.LessOrEqual(t, d, ceiling, "attempt %d", i)
	}
}

func TestBackoff_ReachesCeilingAndResets(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second, 2)
	b.rng = func(n int64) int64 { return n - 1 }

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())

	for i := 0; i < 10; i++ {
		b.Next()
	}
	assert.Equal(t, 60*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{context.DeadlineExceeded, true},
		{status.Error(codes.Unavailable, ""), true},
		{status.Error(codes.DeadlineExceeded, ""), true},
		{status.Error(codes.Internal, ""), true},
		{status.Error(codes.Aborted, ""), true},
		{status.Error(codes.ResourceExhausted, ""), true},
		{status.Error(codes.Unknown, ""), true},
		{fmt.Errorf("wrapped: %w", status.Error(codes.Unavailable, "")), true},
		{status.Error(codes.PermissionDenied, ""), false},
		{status.Error(codes.NotFound, ""), false},
		{status.Error(codes.InvalidArgument, ""), false},
		{status.Error(codes.Unauthenticated, ""), false},
		{status.Error(codes.FailedPrecondition, ""), false},
		{status.Error(codes.Canceled, ""), false},
		{errors.New("plain"), true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
