package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

// Config holds configuration for a subscription Manager.
type Config struct {
	Subscription string
	FlowControl  subscriber.FlowControl

	// AckDeadline is the lease requested from the broker and applied on every
	// extension.
	AckDeadline time.Duration
	// LeaseInterval is how often leases are checked. Defaults to two thirds
	// of AckDeadline.
	LeaseInterval time.Duration
	// ExtensionSlack is added to LeaseInterval to decide which leases are due.
	ExtensionSlack time.Duration
	// MaxExtension is how long a delivery is kept leased before it expires.
	MaxExtension time.Duration

	// DrainTimeout bounds how long shutdown waits for outstanding deliveries.
	DrainTimeout time.Duration
	// FlushTimeout bounds how long shutdown waits to send final acks and nacks.
	FlushTimeout time.Duration

	NumWorkers int

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration

	// ClientID identifies this subscriber across reconnects. Defaults to a
	// random UUID.
	ClientID    string
	CallOptions []grpc.CallOption

	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Subscription == "" {
		return subscriber.ErrEmptySubscription
	}
	if err := c.FlowControl.Validate(); err != nil {
		return err
	}
	if c.AckDeadline != 0 && (c.AckDeadline < 10*time.Second || c.AckDeadline > 600*time.Second) {
		return fmt.Errorf("ack deadline must be between 10s and 600s, got %s", c.AckDeadline)
	}
	if c.LeaseInterval < 0 || c.ExtensionSlack < 0 || c.MaxExtension < 0 {
		return fmt.Errorf("lease durations must be >= 0")
	}
	if c.DrainTimeout < 0 || c.FlushTimeout < 0 {
		return fmt.Errorf("shutdown timeouts must be >= 0")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num workers must be >= 0, got %d", c.NumWorkers)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.AckDeadline == 0 {
		c.AckDeadline = 10 * time.Second
	}
	if c.LeaseInterval == 0 {
		c.LeaseInterval = c.AckDeadline * 2 / 3
	}
	if c.ExtensionSlack == 0 {
		c.ExtensionSlack = time.Second
	}
	if c.MaxExtension == 0 {
		c.MaxExtension = 60 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = 10
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
