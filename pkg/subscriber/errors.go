package subscriber

import "errors"

var (
	// ErrNilHandler is returned when a subscription is opened without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")
	// ErrAlreadyOpen is returned when a manager is opened twice.
	ErrAlreadyOpen = errors.New("subscription manager already open")
	// ErrInvalidFlowControl is returned for an invalid flow-control budget.
	ErrInvalidFlowControl = errors.New("invalid flow control settings")
	// ErrMessageTooLarge is the nack reason for a message bigger than the byte budget.
	ErrMessageTooLarge = errors.New("message too large for flow control")
	// ErrAlreadyFinalized is returned when a delivery is acked or nacked a second
	// time, or after its lease expired. It is a warning, not a failure.
	ErrAlreadyFinalized = errors.New("message already finalized")
	// ErrManagerClosed is returned when a message is finalized after its
	// subscription has shut down.
	ErrManagerClosed = errors.New("subscription manager is closed")
	// ErrRetriesExhausted wraps the last stream error once the reconnect policy gives up.
	ErrRetriesExhausted = errors.New("stream reconnect attempts exhausted")
	// ErrEmptySubscription is returned when no subscription name is given.
	ErrEmptySubscription = errors.New("subscription name cannot be empty")
)
