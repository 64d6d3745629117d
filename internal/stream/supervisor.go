// Package stream owns the bidirectional streaming-pull RPC of one
// subscription: it opens the stream, forwards received batches, multiplexes
// acks and deadline changes onto the outgoing half, and reopens the stream
// with backoff after transient failures.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/streampull-go/internal/telemetry"
	"github.com/rmacdonaldsmith/streampull-go/internal/wire"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("stream supervisor already running")

// flushPollInterval is how often Flush checks the outbox.
const flushPollInterval = 10 * time.Millisecond

// Handler receives each batch read from the stream. The stream is not read
// again until it returns, so blocking here throttles the broker.
type Handler func(ctx context.Context, msgs []*wire.ReceivedMessage)

// Supervisor keeps one streaming-pull RPC open.
type Supervisor struct {
	cc      grpc.ClientConnInterface
	config  Config
	handler Handler
	log     *zap.Logger
	metrics *telemetry.Metrics
	backoff *Backoff
	outbox  *outbox

	mu    sync.Mutex
	state subscriber.StreamState

	// aborted ends Run without a graceful close.
	aborted context.Context
	abort   context.CancelFunc

	started   atomic.Bool
	sending   atomic.Int32
	attempts  atomic.Int64
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a supervisor in the Idle state. Call Run to open the stream.
func New(cc grpc.ClientConnInterface, config Config, handler Handler) (*Supervisor, error) {
	if cc == nil {
		return nil, errors.New("client connection cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}
	config.SetDefaults()

	metrics := config.Metrics
	if metrics == nil {
		var err error
		if metrics, err = telemetry.NewMetrics(nil, config.Subscription); err != nil {
			return nil, err
		}
	}

	aborted, abort := context.WithCancel(context.Background())
	return &Supervisor{
		aborted: aborted,
		abort:   abort,
		cc:      cc,
		config:  config,
		handler: handler,
		log:     config.Logger.Named("stream").With(zap.String("subscription", config.Subscription)),
		metrics: metrics,
		backoff: NewBackoff(config.BackoffInitial, config.BackoffMax, config.BackoffMultiplier),
		outbox:  newOutbox(),
		state:   subscriber.StreamIdle,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run opens the stream and keeps it open until Close, a permanent error, or
// ctx ends. It returns nil after a clean close and the terminal error after a
// failure.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAbort := context.AfterFunc(s.aborted, cancel)
	defer stopAbort()

	for {
		if s.isClosing() || ctx.Err() != nil {
			s.transition(subscriber.StreamClosed)
			return nil
		}

		s.transition(subscriber.StreamConnecting)
		err := s.runStream(ctx)

		if s.isClosing() || ctx.Err() != nil {
			s.transition(subscriber.StreamClosed)
			s.log.Info("stream closed")
			return nil
		}

		code := codeName(err)
		s.metrics.RecordStreamError(code)

		if !IsRetryable(err) {
			s.log.Error("stream failed", zap.String("code", code), zap.Error(err))
			s.transition(subscriber.StreamFailed)
			return err
		}

		attempt := s.attempts.Add(1)
		if limit := s.config.MaxReconnectAttempts; limit > 0 && attempt > int64(limit) {
			err = fmt.Errorf("%w (%d attempts): %w", subscriber.ErrRetriesExhausted, limit, err)
			s.log.Error("giving up on stream", zap.Error(err))
			s.transition(subscriber.StreamFailed)
			return err
		}

		dropped := s.outbox.dropExtensions()
		delay := s.backoff.Next()
		s.log.Warn("stream interrupted, reconnecting",
			zap.String("code", code),
			zap.Error(err),
			zap.Int64("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int("dropped_extensions", dropped))
		s.metrics.RecordReconnect()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		case <-s.closing:
			timer.Stop()
		}
	}
}

func (s *Supervisor) runStream(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := wire.NewStreamingPullClient(sctx, s.cc, s.config.CallOptions...)
	if err != nil {
		return err
	}
	if err := stream.Send(s.initialRequest()); err != nil {
		return recvError(stream, err)
	}

	g, gctx := errgroup.WithContext(sctx)
	accepted := make(chan struct{})
	g.Go(func() error { return s.recvLoop(gctx, stream, accepted) })
	g.Go(func() error { return s.sendLoop(gctx, stream, accepted) })
	return g.Wait()
}

func (s *Supervisor) initialRequest() *wire.StreamingPullRequest {
	return &wire.StreamingPullRequest{
		Subscription:             s.config.Subscription,
		StreamAckDeadlineSeconds: int32(s.config.StreamAckDeadline / time.Second),
		ClientID:                 s.config.ClientID,
		MaxOutstandingMessages:   s.config.MaxOutstandingMessages,
		MaxOutstandingBytes:      s.config.MaxOutstandingBytes,
	}
}

// awaitHandshake waits for the broker to accept the stream by sending
// response headers. A rejected stream ends trailers-only, and its status is
// read from Recv.
func (s *Supervisor) awaitHandshake(stream wire.StreamingPullClient) error {
	if md, _ := stream.Header(); md == nil {
		_, err := stream.Recv()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	s.backoff.Reset()
	s.attempts.Store(0)
	s.transition(subscriber.StreamActive)
	s.log.Debug("stream open", zap.String("client_id", s.config.ClientID))
	return nil
}

func (s *Supervisor) recvLoop(ctx context.Context, stream wire.StreamingPullClient, accepted chan<- struct{}) error {
	if err := s.awaitHandshake(stream); err != nil {
		return err
	}
	close(accepted)
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		if len(resp.ReceivedMessages) == 0 {
			continue
		}

		if s.State() == subscriber.StreamDraining || s.isClosing() {
			ids := make([]string, 0, len(resp.ReceivedMessages))
			for _, rm := range resp.ReceivedMessages {
				ids = append(ids, rm.AckID)
			}
			s.outbox.nack(ids...)
			s.log.Debug("nacked messages received while draining", zap.Int("count", len(ids)))
			continue
		}

		s.handler(ctx, resp.ReceivedMessages)
	}
}

// sendLoop writes queued control messages once the stream is accepted, so
// nothing is written to a stream the broker rejects. A failed Send ends the
// loop without an error; the receive side reports the stream status.
func (s *Supervisor) sendLoop(ctx context.Context, stream wire.StreamingPullClient, accepted <-chan struct{}) error {
	select {
	case <-accepted:
	case <-ctx.Done():
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			if err := s.sendPending(stream); err != nil {
				s.log.Debug("final send failed", zap.Error(err))
				return nil
			}
			if err := stream.CloseSend(); err != nil {
				s.log.Debug("close send failed", zap.Error(err))
			}
			return nil
		case <-s.outbox.notify:
			if err := s.sendPending(stream); err != nil {
				s.log.Debug("send failed", zap.Error(err))
				return nil
			}
		}
	}
}

func (s *Supervisor) sendPending(stream wire.StreamingPullClient) error {
	for {
		s.sending.Add(1)
		req := s.outbox.take()
		if req == nil {
			s.sending.Add(-1)
			return nil
		}
		err := stream.Send(req)
		if err != nil {
			s.outbox.requeue(req)
		}
		s.sending.Add(-1)
		if err != nil {
			return err
		}
	}
}

// recvError returns the stream status behind a failed Send.
func recvError(stream wire.StreamingPullClient, err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	if _, rerr := stream.Recv(); rerr != nil {
		return rerr
	}
	return err
}

// Ack queues acknowledgments.
func (s *Supervisor) Ack(ackIDs ...string) {
	s.outbox.ack(ackIDs...)
}

// Nack queues zero-deadline modifications so the broker redelivers.
func (s *Supervisor) Nack(ackIDs ...string) {
	s.outbox.nack(ackIDs...)
}

// Extend queues deadline extensions. They are dropped if the stream breaks
// before they are sent.
func (s *Supervisor) Extend(deadline time.Duration, ackIDs ...string) {
	s.outbox.extend(int32(deadline/time.Second), ackIDs...)
}

// BeginDrain moves the stream to Draining. Messages received from now on are
// nacked instead of forwarded.
func (s *Supervisor) BeginDrain() {
	s.transition(subscriber.StreamDraining)
}

// Flush waits until every queued control message has been written.
func (s *Supervisor) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		if s.outbox.len() == 0 && s.sending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d control messages unsent: %w", s.outbox.len(), ctx.Err())
		case <-s.done:
			return fmt.Errorf("flush: stream ended with %d control messages unsent", s.outbox.len())
		case <-ticker.C:
		}
	}
}

// Close half-closes the stream after sending what is queued and waits for Run
// to return. If ctx ends first Run is aborted, even while still connecting.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	if !s.started.Load() {
		s.transition(subscriber.StreamClosed)
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.abort()
		<-s.done
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// State returns the current stream state.
func (s *Supervisor) State() subscriber.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// transition moves to state to. Closed and Failed are final, and a draining
// stream stays Draining across reconnects.
func (s *Supervisor) transition(to subscriber.StreamState) {
	s.mu.Lock()
	from := s.state
	switch {
	case from == to:
		s.mu.Unlock()
		return
	case from == subscriber.StreamClosed || from == subscriber.StreamFailed:
		s.mu.Unlock()
		return
	case from == subscriber.StreamDraining && (to == subscriber.StreamConnecting || to == subscriber.StreamActive):
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.log.Debug("stream state changed", zap.Stringer("from", from), zap.Stringer("to", to))
}
