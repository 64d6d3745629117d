// Package client is the entry point for subscribing to a streaming-pull
// subscription over an existing gRPC connection.
package client

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/streampull-go/internal/manager"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

// Config is the per-subscription tuning applied by Options.
type Config struct {
	AckDeadline          time.Duration
	MaxExtension         time.Duration
	DrainTimeout         time.Duration
	FlushTimeout         time.Duration
	NumWorkers           int
	MaxReconnectAttempts int
	ClientID             string
	CallOptions          []grpc.CallOption

	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Option customizes a Client or a single Subscribe call.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMeterProvider sets the OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.MeterProvider = mp }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.TracerProvider = tp }
}

// WithAckDeadline sets the lease requested for each delivery (10s to 600s).
func WithAckDeadline(d time.Duration) Option {
	return func(c *Config) { c.AckDeadline = d }
}

// WithMaxExtension bounds how long a delivery is kept leased.
func WithMaxExtension(d time.Duration) Option {
	return func(c *Config) { c.MaxExtension = d }
}

// WithDrainTimeout bounds how long shutdown waits for outstanding deliveries.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Config) { c.DrainTimeout = d }
}

// WithFlushTimeout bounds how long shutdown waits to send final acks.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Config) { c.FlushTimeout = d }
}

// WithNumWorkers sets how many handlers may run at once.
func WithNumWorkers(n int) Option {
	return func(c *Config) { c.NumWorkers = n }
}

// WithMaxReconnectAttempts bounds consecutive reconnects (0 = infinite).
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Config) { c.MaxReconnectAttempts = n }
}

// WithClientID sets the id the broker uses to recognize this subscriber
// across reconnects.
func WithClientID(id string) Option {
	return func(c *Config) { c.ClientID = id }
}

// WithCallOptions appends gRPC call options for the stream.
func WithCallOptions(opts ...grpc.CallOption) Option {
	return func(c *Config) { c.CallOptions = append(c.CallOptions, opts...) }
}

// Client opens subscriptions on one connection.
type Client struct {
	cc   grpc.ClientConnInterface
	opts []Option
}

// New creates a client. opts apply to every subscription.
func New(cc grpc.ClientConnInterface, opts ...Option) *Client {
	return &Client{cc: cc, opts: opts}
}

// Subscribe starts receiving from subscription and returns the running handle.
// Cancelling ctx or calling Cancel on the handle shuts it down gracefully.
func (c *Client) Subscribe(ctx context.Context, subscription string, handler subscriber.Handler, fc subscriber.FlowControl, opts ...Option) (subscriber.Handle, error) {
	if c.cc == nil {
		return nil, errors.New("client connection cannot be nil")
	}
	if handler == nil {
		return nil, subscriber.ErrNilHandler
	}

	// A zero message budget means the default; a zero byte budget stays uncapped.
	if fc.MaxOutstandingMessages == 0 {
		fc.MaxOutstandingMessages = subscriber.DefaultMaxOutstandingMessages
	}

	var cfg Config
	cfg.CallOptions = []grpc.CallOption{grpc.MaxCallRecvMsgSize(math.MaxInt32)}
	for _, opt := range c.opts {
		opt(&cfg)
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := manager.New(c.cc, manager.Config{
		Subscription:         subscription,
		FlowControl:          fc,
		AckDeadline:          cfg.AckDeadline,
		MaxExtension:         cfg.MaxExtension,
		DrainTimeout:         cfg.DrainTimeout,
		FlushTimeout:         cfg.FlushTimeout,
		NumWorkers:           cfg.NumWorkers,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ClientID:             cfg.ClientID,
		CallOptions:          cfg.CallOptions,
		Logger:               cfg.Logger,
		MeterProvider:        cfg.MeterProvider,
		TracerProvider:       cfg.TracerProvider,
	})
	if err != nil {
		return nil, err
	}

	future, err := m.Open(ctx, handler)
	if err != nil {
		return nil, err
	}
	return future, nil
}
