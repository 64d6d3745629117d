package subscriber

import (
	"context"
	"time"
)

// Message is a single delivery received from the broker.
//
// The same logical message may be delivered more than once; AckID identifies the
// delivery, ID identifies the published message. After Ack or Nack succeeds the
// message is finalized and any further call returns ErrAlreadyFinalized.
type Message interface {
	// ID returns the broker-assigned message id.
	ID() string

	// AckID returns the delivery id used to acknowledge this delivery.
	AckID() string

	// Data returns the message payload.
	Data() []byte

	// Attributes returns a copy of the message attributes.
	Attributes() map[string]string

	// PublishTime returns when the broker accepted the message.
	PublishTime() time.Time

	// OrderingKey returns the ordering key, or "" when the message is unordered.
	OrderingKey() string

	// DeliveryAttempt returns the broker-reported delivery attempt, 0 if unknown.
	DeliveryAttempt() int

	// Size returns the encoded size charged against the byte budget.
	Size() int64

	// Ack acknowledges the delivery. The broker will not redeliver it.
	Ack() error

	// Nack releases the lease immediately so the broker can redeliver.
	Nack() error
}

// Handler processes messages delivered by a subscription.
// A returned error (or a panic) is logged and the message is nacked.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Handle represents a running subscription.
type Handle interface {
	// Wait blocks until the subscription reaches a terminal state or ctx ends.
	// It returns nil after a graceful shutdown and the terminal error after a failure.
	Wait(ctx context.Context) error

	// Cancel requests a graceful shutdown. It is idempotent and safe to call
	// from any goroutine. Outstanding deliveries are drained before the
	// subscription stops.
	Cancel()

	// Done is closed once the subscription reaches a terminal state.
	Done() <-chan struct{}

	// State returns the current lifecycle state.
	State() HandleState

	// Err returns the terminal error, or nil.
	Err() error
}
