package stream

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/streampull-go/internal/telemetry"
)

// Config holds configuration for a Supervisor.
type Config struct {
	Subscription string
	// ClientID is sent on every stream so the broker can keep affinity across
	// reconnects.
	ClientID string

	// StreamAckDeadline is the ack deadline requested for the stream.
	StreamAckDeadline time.Duration

	MaxOutstandingMessages int64
	MaxOutstandingBytes    int64

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	CallOptions []grpc.CallOption
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Subscription == "" {
		return errors.New("subscription cannot be empty")
	}
	if c.StreamAckDeadline < 0 {
		return fmt.Errorf("stream ack deadline must be >= 0, got %s", c.StreamAckDeadline)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	if c.BackoffMultiplier != 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.StreamAckDeadline == 0 {
		c.StreamAckDeadline = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
