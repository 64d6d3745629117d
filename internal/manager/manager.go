// Package manager runs one streaming-pull subscription: it wires flow
// control, lease tracking, dispatch and the stream supervisor together and
// drives them from a single command loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/streampull-go/internal/dispatch"
	"github.com/rmacdonaldsmith/streampull-go/internal/flowcontrol"
	"github.com/rmacdonaldsmith/streampull-go/internal/lease"
	"github.com/rmacdonaldsmith/streampull-go/internal/stream"
	"github.com/rmacdonaldsmith/streampull-go/internal/telemetry"
	"github.com/rmacdonaldsmith/streampull-go/internal/wire"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

const (
	commandBuffer     = 256
	drainPollInterval = 20 * time.Millisecond
)

type commandKind int

const (
	cmdDeliver commandKind = iota
	cmdAck
	cmdNack
	cmdCallbackDone
	cmdAbandon
	cmdForceNack
)

type command struct {
	kind  commandKind
	ackID string
	msg   *message
	err   error
	// panicked marks a callback that did not return normally.
	panicked bool
	elapsed  time.Duration
	reply    chan error
}

// delivery is the loop-owned state of one scheduled message. The task's
// ordering key is released once the callback has returned and the message
// is finalized, whichever happens last.
type delivery struct {
	msg       *message
	task      dispatch.Task
	returned  bool
	finalized bool
}

// Manager runs a single subscription.
type Manager struct {
	cc      grpc.ClientConnInterface
	config  Config
	log     *zap.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	limiter *flowcontrol.Limiter
	tracker *lease.Tracker
	sched   dispatch.Scheduler
	stream  *stream.Supervisor

	handler subscriber.Handler
	opened  atomic.Bool

	commands chan command
	loopDone chan struct{}

	// Owned by the loop goroutine.
	deliveries map[string]*delivery
	closed     bool
}

// New creates a manager for config.Subscription over cc.
func New(cc grpc.ClientConnInterface, config Config) (*Manager, error) {
	if cc == nil {
		return nil, errors.New("client connection cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscription config: %w", err)
	}
	config.SetDefaults()

	metrics, err := telemetry.NewMetrics(config.MeterProvider, config.Subscription)
	if err != nil {
		return nil, err
	}

	limiter, err := flowcontrol.New(config.FlowControl)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cc:         cc,
		config:     config,
		log:        config.Logger.Named("manager").With(zap.String("subscription", config.Subscription)),
		metrics:    metrics,
		tracer:     telemetry.NewTracer(config.TracerProvider, config.Subscription),
		limiter:    limiter,
		tracker:    lease.NewTracker(config.MaxExtension),
		commands:   make(chan command, commandBuffer),
		loopDone:   make(chan struct{}),
		deliveries: make(map[string]*delivery),
	}

	m.sched, err = dispatch.NewOrderedPool(dispatch.Config{
		Workers:   config.NumWorkers,
		QueueSize: config.FlowControl.MaxOutstandingMessages,
		Logger:    config.Logger,
		OnPanic: func(task dispatch.Task, recovered any) {
			m.log.Error("handler panicked", zap.String("ack_id", task.ID), zap.Any("panic", recovered))
		},
	})
	if err != nil {
		return nil, err
	}

	m.stream, err = stream.New(cc, stream.Config{
		Subscription:           config.Subscription,
		ClientID:               config.ClientID,
		StreamAckDeadline:      config.AckDeadline,
		MaxOutstandingMessages: int64(config.FlowControl.MaxOutstandingMessages),
		MaxOutstandingBytes:    config.FlowControl.MaxOutstandingBytes,
		MaxReconnectAttempts:   config.MaxReconnectAttempts,
		BackoffInitial:         config.BackoffInitial,
		BackoffMax:             config.BackoffMax,
		CallOptions:            config.CallOptions,
		Logger:                 config.Logger,
		Metrics:                metrics,
	}, m.onBatch)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Open starts the subscription and returns its handle. Cancelling ctx shuts
// the subscription down gracefully.
func (m *Manager) Open(ctx context.Context, handler subscriber.Handler) (*Future, error) {
	if handler == nil {
		return nil, subscriber.ErrNilHandler
	}
	if !m.opened.CompareAndSwap(false, true) {
		return nil, subscriber.ErrAlreadyOpen
	}
	m.handler = handler

	future := newFuture()
	go m.run(ctx, future)
	return future, nil
}

func (m *Manager) run(ctx context.Context, future *Future) {
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	callbackCtx, cancelCallbacks := context.WithCancel(runCtx)
	defer cancelCallbacks()

	if err := m.sched.Start(callbackCtx); err != nil {
		future.resolve(subscriber.HandleFailed, err)
		return
	}

	streamDone := make(chan error, 1)
	var g errgroup.Group
	g.Go(func() error {
		err := m.stream.Run(runCtx)
		streamDone <- err
		return err
	})
	g.Go(func() error {
		m.loop(runCtx)
		return nil
	})

	m.log.Info("subscription opened",
		zap.String("client_id", m.config.ClientID),
		zap.Int("max_outstanding_messages", m.config.FlowControl.MaxOutstandingMessages),
		zap.Int64("max_outstanding_bytes", m.config.FlowControl.MaxOutstandingBytes))

	var (
		final     subscriber.HandleState
		streamErr error
		failed    bool
	)
	select {
	case <-future.cancelRequested():
		final = subscriber.HandleCancelled
	case <-ctx.Done():
		final = subscriber.HandleCompleted
	case streamErr = <-streamDone:
		failed = streamErr != nil
		final = subscriber.HandleCompleted
		if failed {
			final = subscriber.HandleFailed
		}
	}
	if !failed {
		future.stopping()
	}

	m.drain(failed, cancelCallbacks)
	stopRun()
	_ = g.Wait()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), m.config.FlushTimeout)
	_ = m.sched.Wait(waitCtx)
	cancelWait()

	m.log.Info("subscription stopped", zap.Stringer("state", final), zap.Error(streamErr))
	future.resolve(final, streamErr)
}

// drain stops intake, waits for outstanding deliveries, nacks what remains
// and closes the stream.
func (m *Manager) drain(failed bool, cancelCallbacks context.CancelFunc) {
	m.limiter.Close()
	m.stream.BeginDrain()

	for _, task := range m.sched.Stop() {
		_ = m.request(command{kind: cmdAbandon, ackID: task.ID})
	}

	if !failed {
		m.waitOutstanding(m.config.DrainTimeout)
	}

	if remaining := m.tracker.Len(); remaining > 0 {
		m.log.Warn("drain timed out, nacking outstanding messages", zap.Int("remaining", remaining))
	}
	_ = m.request(command{kind: cmdForceNack})
	cancelCallbacks()

	if failed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.FlushTimeout)
	defer cancel()
	if err := m.stream.Flush(ctx); err != nil {
		m.log.Warn("failed to flush final acks", zap.Error(err))
	}
	if err := m.stream.Close(ctx); err != nil {
		m.log.Warn("stream did not close cleanly", zap.Error(err))
	}
}

func (m *Manager) waitOutstanding(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for m.tracker.Len() > 0 {
		select {
		case <-timer.C:
			return
		case <-m.stream.Done():
			return
		case <-ticker.C:
		}
	}
}

// onBatch admits each received message and hands it to the loop. Admission
// blocks while the flow-control budget is exhausted.
func (m *Manager) onBatch(ctx context.Context, msgs []*wire.ReceivedMessage) {
	for _, rm := range msgs {
		size := rm.Message.Size()
		m.metrics.RecordReceived(size)

		if err := m.limiter.Admit(ctx, size); err != nil {
			m.stream.Nack(rm.AckID)
			if errors.Is(err, subscriber.ErrMessageTooLarge) {
				m.log.Warn("nacked message larger than flow control budget",
					zap.String("ack_id", rm.AckID),
					zap.Int64("size", size),
					zap.Error(err))
				m.metrics.RecordFinalized(telemetry.OutcomeTooLarge, size, false)
			} else {
				m.metrics.RecordFinalized(telemetry.OutcomeDrained, size, false)
			}
			continue
		}

		if !m.register(rm, size) {
			continue
		}

		c := command{kind: cmdDeliver, ackID: rm.AckID, msg: newMessage(m, rm, size)}
		select {
		case m.commands <- c:
		case <-m.loopDone:
			// Left in the tracker; the drain nacks it.
		}
	}
}

// register starts the lease of an admitted message and reports whether it
// should be delivered. A message admitted just before shutdown closed the
// limiter may miss the drain, so it is nacked here instead.
func (m *Manager) register(rm *wire.ReceivedMessage, size int64) bool {
	if err := m.tracker.Register(rm.AckID, size, m.config.AckDeadline); err != nil {
		m.log.Warn("ignoring duplicate delivery", zap.String("ack_id", rm.AckID))
		_ = m.limiter.Release(size)
		return false
	}
	m.metrics.RecordAdmitted(size)

	if !m.limiter.Closed() {
		return true
	}
	// The drain may have finalized it first.
	if rec, err := m.tracker.Finalize(rm.AckID); err == nil {
		_ = m.limiter.Release(rec.Size)
		m.stream.Nack(rec.AckID)
		m.metrics.RecordFinalized(telemetry.OutcomeDrained, rec.Size, true)
	}
	return false
}

// finalizeRequest routes an Ack or Nack from application code to the loop.
func (m *Manager) finalizeRequest(ackID string, kind commandKind) error {
	err := m.request(command{kind: kind, ackID: ackID})
	if errors.Is(err, subscriber.ErrAlreadyFinalized) {
		m.log.Warn("message already finalized", zap.String("ack_id", ackID))
	}
	return err
}

// request sends c to the loop and waits for its reply.
func (m *Manager) request(c command) error {
	c.reply = make(chan error, 1)
	select {
	case m.commands <- c:
	case <-m.loopDone:
		return subscriber.ErrManagerClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.loopDone:
		select {
		case err := <-c.reply:
			return err
		default:
			return subscriber.ErrManagerClosed
		}
	}
}

// notify sends c to the loop without waiting for a reply.
func (m *Manager) notify(c command) {
	select {
	case m.commands <- c:
	case <-m.loopDone:
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.config.LeaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.commands:
			err := m.handle(c)
			if c.reply != nil {
				c.reply <- err
			}
		case now := <-ticker.C:
			m.extendLeases(now)
		}
	}
}

func (m *Manager) handle(c command) error {
	switch c.kind {
	case cmdDeliver:
		m.deliver(c.msg)
		return nil

	case cmdAck, cmdNack:
		if m.closed {
			return subscriber.ErrManagerClosed
		}
		d, ok := m.deliveries[c.ackID]
		if !ok || d.finalized {
			return subscriber.ErrAlreadyFinalized
		}
		outcome := telemetry.OutcomeAck
		if c.kind == cmdNack {
			outcome = telemetry.OutcomeNack
		}
		return m.finalize(d, outcome)

	case cmdCallbackDone:
		d, ok := m.deliveries[c.ackID]
		if !ok {
			return nil
		}
		failed := c.err != nil || c.panicked
		m.metrics.RecordCallback(float64(c.elapsed)/float64(time.Millisecond), failed)
		if failed && !d.finalized {
			if c.err != nil {
				m.log.Warn("handler failed, nacking message", zap.String("ack_id", c.ackID), zap.Error(c.err))
			}
			_ = m.finalize(d, telemetry.OutcomeNack)
		}
		d.returned = true
		m.maybeComplete(d)
		return nil

	case cmdAbandon:
		d, ok := m.deliveries[c.ackID]
		if !ok {
			return nil
		}
		d.returned = true
		if !d.finalized {
			_ = m.finalize(d, telemetry.OutcomeDrained)
		}
		m.maybeComplete(d)
		return nil

	case cmdForceNack:
		for _, rec := range m.tracker.Drain() {
			_ = m.limiter.Release(rec.Size)
			m.stream.Nack(rec.AckID)
			m.metrics.RecordFinalized(telemetry.OutcomeDrained, rec.Size, true)
			if d, ok := m.deliveries[rec.AckID]; ok {
				d.finalized = true
				m.maybeComplete(d)
			}
		}
		m.closed = true
		return nil
	}
	return fmt.Errorf("unknown command %d", c.kind)
}

func (m *Manager) deliver(msg *message) {
	d := &delivery{msg: msg}
	d.task = dispatch.Task{
		ID:  msg.ackID,
		Key: msg.OrderingKey(),
		Run: func(ctx context.Context) { m.invoke(ctx, msg) },
	}
	m.deliveries[msg.ackID] = d

	if err := m.sched.Schedule(d.task); err != nil {
		m.log.Debug("could not schedule message", zap.String("ack_id", msg.ackID), zap.Error(err))
		d.returned = true
		_ = m.finalize(d, telemetry.OutcomeDrained)
		m.maybeComplete(d)
	}
}

// invoke runs the handler on a worker. A panic unwinds through the deferred
// report to the pool, which recovers it.
func (m *Manager) invoke(ctx context.Context, msg *message) {
	start := time.Now()
	ctx, span := m.tracer.StartCallback(ctx, msg.ID(), msg.OrderingKey(), msg.DeliveryAttempt())

	var err error
	panicked := true
	defer func() {
		if panicked {
			telemetry.EndCallback(span, errors.New("handler panicked"))
		} else {
			telemetry.EndCallback(span, err)
		}
		m.notify(command{
			kind:     cmdCallbackDone,
			ackID:    msg.ackID,
			err:      err,
			panicked: panicked,
			elapsed:  time.Since(start),
		})
	}()

	err = m.handler.Handle(ctx, msg)
	panicked = false
}

// finalize ends the lease of d and queues its ack or nack.
func (m *Manager) finalize(d *delivery, outcome telemetry.Outcome) error {
	rec, err := m.tracker.Finalize(d.msg.ackID)
	if err != nil {
		d.finalized = true
		return subscriber.ErrAlreadyFinalized
	}
	if err := m.limiter.Release(rec.Size); err != nil {
		m.log.Error("flow control release failed", zap.String("ack_id", rec.AckID), zap.Error(err))
	}

	if outcome == telemetry.OutcomeAck {
		m.stream.Ack(rec.AckID)
	} else {
		m.stream.Nack(rec.AckID)
	}
	m.metrics.RecordFinalized(outcome, rec.Size, true)
	d.finalized = true
	m.maybeComplete(d)
	return nil
}

func (m *Manager) maybeComplete(d *delivery) {
	if !d.returned || !d.finalized {
		return
	}
	if _, ok := m.deliveries[d.msg.ackID]; !ok {
		return
	}
	delete(m.deliveries, d.msg.ackID)
	m.sched.Complete(d.task)
}

func (m *Manager) extendLeases(now time.Time) {
	horizon := m.config.LeaseInterval + m.config.ExtensionSlack
	due, expired := m.tracker.ExtendDue(now, horizon, m.config.AckDeadline)

	for _, rec := range expired {
		_ = m.limiter.Release(rec.Size)
		m.metrics.RecordFinalized(telemetry.OutcomeExpired, rec.Size, true)
		m.log.Warn("lease expired", zap.String("ack_id", rec.AckID), zap.Duration("held", now.Sub(rec.ReceivedAt)))
		if d, ok := m.deliveries[rec.AckID]; ok {
			d.finalized = true
			m.maybeComplete(d)
		}
	}

	if len(due) > 0 {
		m.stream.Extend(m.config.AckDeadline, due...)
		m.metrics.RecordExtensions(len(due))
		m.log.Debug("extending leases", zap.Int("count", len(due)))
	}
}
