package stream

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryableCodes are the status codes after which the stream is reopened.
var retryableCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.DeadlineExceeded:  true,
	codes.Internal:          true,
	codes.Aborted:           true,
	codes.ResourceExhausted: true,
	codes.Unknown:           true,
}

// IsRetryable reports whether err is a transient stream error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return retryableCodes[status.Code(err)]
}

// codeName returns the status code name of err for logs and metrics.
func codeName(err error) string {
	if errors.Is(err, io.EOF) {
		return "EOF"
	}
	return status.Code(err).String()
}
