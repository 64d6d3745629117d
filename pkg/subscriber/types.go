package subscriber

import "fmt"

const (
	// DefaultMaxOutstandingMessages is the default outstanding message budget.
	DefaultMaxOutstandingMessages = 1000

	// DefaultMaxOutstandingBytes is the default outstanding byte budget (100 MiB).
	DefaultMaxOutstandingBytes = 100 * 1024 * 1024
)

// FlowControl limits how many messages and bytes may be leased but not yet
// finalized at any time.
type FlowControl struct {
	// MaxOutstandingMessages must be at least 1.
	MaxOutstandingMessages int `yaml:"max_outstanding_messages"`

	// MaxOutstandingBytes caps outstanding payload bytes. 0 disables the byte check.
	MaxOutstandingBytes int64 `yaml:"max_outstanding_bytes"`
}

// DefaultFlowControl returns the default budget.
func DefaultFlowControl() FlowControl {
	return FlowControl{
		MaxOutstandingMessages: DefaultMaxOutstandingMessages,
		MaxOutstandingBytes:    DefaultMaxOutstandingBytes,
	}
}

// Validate checks the budget.
func (f FlowControl) Validate() error {
	if f.MaxOutstandingMessages < 1 {
		return fmt.Errorf("%w: max outstanding messages must be >= 1, got %d", ErrInvalidFlowControl, f.MaxOutstandingMessages)
	}
	if f.MaxOutstandingBytes < 0 {
		return fmt.Errorf("%w: max outstanding bytes must be >= 0, got %d", ErrInvalidFlowControl, f.MaxOutstandingBytes)
	}
	return nil
}

// StreamState is the state of the broker-facing stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamActive
	StreamDraining
	StreamClosed
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "Idle"
	case StreamConnecting:
		return "Connecting"
	case StreamActive:
		return "Active"
	case StreamDraining:
		return "Draining"
	case StreamClosed:
		return "Closed"
	case StreamFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HandleState is the lifecycle state of a running subscription.
type HandleState int

const (
	HandleRunning HandleState = iota
	HandleCancelling
	HandleCancelled
	HandleCompleted
	HandleFailed
)

func (s HandleState) String() string {
	switch s {
	case HandleRunning:
		return "Running"
	case HandleCancelling:
		return "Cancelling"
	case HandleCancelled:
		return "Cancelled"
	case HandleCompleted:
		return "Completed"
	case HandleFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s HandleState) Terminal() bool {
	return s == HandleCancelled || s == HandleCompleted || s == HandleFailed
}
