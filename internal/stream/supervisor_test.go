package stream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/streampull-go/internal/brokertest"
	"github.com/rmacdonaldsmith/streampull-go/internal/wire"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

const testSubscription = "projects/p/subscriptions/s"

type batchRecorder struct {
	mu   sync.Mutex
	msgs []*wire.ReceivedMessage
}

func (r *batchRecorder) handle(_ context.Context, msgs []*wire.ReceivedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
}

func (r *batchRecorder) ackIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		ids = append(ids, m.AckID)
	}
	return ids
}

type runningSupervisor struct {
	*Supervisor
	result chan error
}

func startSupervisor(t *testing.T, broker *brokertest.Broker, config Config, handler Handler) *runningSupervisor {
	t.Helper()

	config.Subscription = testSubscription
	if config.Logger == nil {
		config.Logger = zaptest.NewLogger(t)
	}
	if config.BackoffInitial == 0 {
		config.BackoffInitial = 5 * time.Millisecond
		config.BackoffMax = 20 * time.Millisecond
	}

	s, err := New(broker.Conn(t), config, handler)
	require.NoError(t, err)

	rs := &runningSupervisor{Supervisor: s, result: make(chan error, 1)}
	go func() { rs.result <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return rs
}

func (rs *runningSupervisor) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rs.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Validation(t *testing.T) {
	broker := brokertest.New(t)
	conn := broker.Conn(t)
	noop := func(context.Context, []*wire.ReceivedMessage) {}

	_, err := New(nil, Config{Subscription: "s"}, noop)
	assert.Error(t, err)

	_, err = New(conn, Config{Subscription: "s"}, nil)
	assert.Error(t, err)

	_, err = New(conn, Config{}, noop)
	assert.Error(t, err)

	_, err = New(conn, Config{Subscription: "s", MaxReconnectAttempts: -1}, noop)
	assert.Error(t, err)

	s, err := New(conn, Config{Subscription: "s"}, noop)
	require.NoError(t, err)
	assert.Equal(t, subscriber.StreamIdle, s.State())
	assert.Equal(t, 10*time.Second, s.config.StreamAckDeadline)
	assert.Equal(t, time.Second, s.config.BackoffInitial)
	assert.Equal(t, 60*time.Second, s.config.BackoffMax)
}

func TestSupervisor_OpensAndForwards(t *testing.T) {
	broker := brokertest.New(t)
	rec := &batchRecorder{}
	s := startSupervisor(t, broker, Config{
		ClientID:               "client-1",
		StreamAckDeadline:      20 * time.Second,
		MaxOutstandingMessages: 10,
		MaxOutstandingBytes:    1000,
	}, rec.handle)

	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))
	assert.Eventually(t, func() bool { return s.State() == subscriber.StreamActive }, time.Second, 5*time.Millisecond)

	initial := broker.Snapshot().Initial
	require.Len(t, initial, 1)
	assert.Equal(t, testSubscription, initial[0].Subscription)
	assert.Equal(t, int32(20), initial[0].StreamAckDeadlineSeconds)
	assert.Equal(t, "client-1", initial[0].ClientID)
	assert.Equal(t, int64(10), initial[0].MaxOutstandingMessages)
	assert.Equal(t, int64(1000), initial[0].MaxOutstandingBytes)

	require.NoError(t, broker.Publish(
		brokertest.Message("a1", "m1", []byte("one"), ""),
		brokertest.Message("a2", "m2", []byte("two"), "k"),
	))
	assert.Eventually(t, func() bool { return len(rec.ackIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2"}, rec.ackIDs())
}

func TestSupervisor_ControlMessages(t *testing.T) {
	broker := brokertest.New(t)
	s := startSupervisor(t, broker, Config{}, func(context.Context, []*wire.ReceivedMessage) {})
	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))

	s.Ack("a1", "a2")
	s.Nack("n1")
	s.Extend(30*time.Second, "e1")

	require.NoError(t, broker.WaitFor(waitCtx(t), func(snap brokertest.Snapshot) bool {
		return len(snap.Acks) == 2 && len(snap.Modacks) == 2
	}))

	snap := broker.Snapshot()
	assert.ElementsMatch(t, []string{"a1", "a2"}, snap.Acks)
	assert.Equal(t, []string{"n1"}, snap.Nacks())
	assert.Equal(t, []brokertest.Modack{{AckID: "e1", Seconds: 30}}, snap.Extensions())

	require.NoError(t, s.Flush(waitCtx(t)))
}

func TestSupervisor_ReconnectsOnTransientError(t *testing.T) {
	broker := brokertest.New(t)
	rec := &batchRecorder{}
	s := startSupervisor(t, broker, Config{ClientID: "sticky"}, rec.handle)
	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))

	require.NoError(t, broker.Publish(brokertest.Message("a1", "m1", nil, "")))
	require.Eventually(t, func() bool { return len(rec.ackIDs()) == 1 }, time.Second, 5*time.Millisecond)

	broker.Break(status.Error(codes.Unavailable, "transport reset"))
	require.NoError(t, broker.WaitStreams(waitCtx(t), 2))

	require.NoError(t, broker.Publish(brokertest.Message("a2", "m2", nil, "")))
	assert.Eventually(t, func() bool { return len(rec.ackIDs()) == 2 }, time.Second, 5*time.Millisecond)

	// Acks for deliveries from the first stream still go out on the second.
	s.Ack("a1")
	require.NoError(t, broker.WaitFor(waitCtx(t), func(snap brokertest.Snapshot) bool {
		return len(snap.Acks) == 1
	}))

	initial := broker.Snapshot().Initial
	require.Len(t, initial, 2)
	assert.Equal(t, "sticky", initial[1].ClientID)

	select {
	case err := <-s.result:
		t.Fatalf("supervisor stopped after transient error: %v", err)
	default:
	}
	assert.Equal(t, subscriber.StreamActive, s.State())
}

func TestSupervisor_PermanentErrorFails(t *testing.T) {
	broker := brokertest.New(t)
	broker.Reject(status.Error(codes.NotFound, "subscription does not exist"))

	s := startSupervisor(t, broker, Config{}, func(context.Context, []*wire.ReceivedMessage) {})

	err := s.wait(t)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, subscriber.StreamFailed, s.State())
	assert.Len(t, broker.Snapshot().Initial, 1, "permanent errors are not retried")
}

func TestSupervisor_RetriesExhausted(t *testing.T) {
	broker := brokertest.New(t)
	broker.Reject(status.Error(codes.Unavailable, "down"))

	s := startSupervisor(t, broker, Config{MaxReconnectAttempts: 2}, func(context.Context, []*wire.ReceivedMessage) {})

	err := s.wait(t)
	assert.ErrorIs(t, err, subscriber.ErrRetriesExhausted)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, subscriber.StreamFailed, s.State())
	assert.Len(t, broker.Snapshot().Initial, 3)
}

func TestSupervisor_RecoversAfterOutage(t *testing.T) {
	broker := brokertest.New(t)
	broker.Reject(status.Error(codes.Unavailable, "down"))

	s := startSupervisor(t, broker, Config{}, func(context.Context, []*wire.ReceivedMessage) {})
	require.NoError(t, broker.WaitFor(waitCtx(t), func(snap brokertest.Snapshot) bool {
		return len(snap.Initial) >= 3
	}))

	broker.Reject(nil)
	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))
	assert.Eventually(t, func() bool { return s.State() == subscriber.StreamActive }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_DrainNacksNewMessages(t *testing.T) {
	broker := brokertest.New(t)
	rec := &batchRecorder{}
	s := startSupervisor(t, broker, Config{}, rec.handle)
	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))

	s.BeginDrain()
	assert.Equal(t, subscriber.StreamDraining, s.State())

	require.NoError(t, broker.Publish(brokertest.Message("late", "m1", nil, "")))
	require.NoError(t, broker.WaitFor(waitCtx(t), func(snap brokertest.Snapshot) bool {
		return len(snap.Nacks()) == 1
	}))
	assert.Empty(t, rec.ackIDs())
	assert.Equal(t, []string{"late"}, broker.Snapshot().Nacks())
}

func TestSupervisor_CloseFlushesAndStops(t *testing.T) {
	broker := brokertest.New(t)
	s := startSupervisor(t, broker, Config{}, func(context.Context, []*wire.ReceivedMessage) {})
	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))

	s.BeginDrain()
	s.Ack("a1")
	s.Nack("n1")
	require.NoError(t, s.Flush(waitCtx(t)))
	require.NoError(t, s.Close(waitCtx(t)))
	assert.NoError(t, s.wait(t))

	assert.Equal(t, subscriber.StreamClosed, s.State())
	snap := broker.Snapshot()
	assert.Equal(t, []string{"a1"}, snap.Acks)
	assert.Equal(t, []string{"n1"}, snap.Nacks())

	require.NoError(t, broker.WaitFor(waitCtx(t), func(snap brokertest.Snapshot) bool {
		return snap.Open == 0
	}))
}

func TestSupervisor_RunTwice(t *testing.T) {
	broker := brokertest.New(t)
	s := startSupervisor(t, broker, Config{}, func(context.Context, []*wire.ReceivedMessage) {})
	require.NoError(t, broker.WaitStreams(waitCtx(t), 1))

	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func TestSupervisor_CloseBeforeRun(t *testing.T) {
	broker := brokertest.New(t)
	s, err := New(broker.Conn(t), Config{Subscription: "s", Logger: zaptest.NewLogger(t)},
		func(context.Context, []*wire.ReceivedMessage) {})
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, subscriber.StreamClosed, s.State())
	assert.NoError(t, s.Run(context.Background()))
	assert.Zero(t, broker.Snapshot().Opened)
}

// TestSupervisor_IdleDropsDoNotExhaustRetries breaks accepted streams that
// never delivered anything. Each was a successful connect, so the attempt
// limit is never reached.
func TestSupervisor_IdleDropsDoNotExhaustRetries(t *testing.T) {
	broker := brokertest.New(t)
	s := startSupervisor(t, broker, Config{MaxReconnectAttempts: 2}, func(context.Context, []*wire.ReceivedMessage) {})

	for i := 1; i <= 3; i++ {
		require.NoError(t, broker.WaitStreams(waitCtx(t), i))
		broker.Break(status.Error(codes.Unavailable, "idle stream closed"))
	}
	require.NoError(t, broker.WaitStreams(waitCtx(t), 4))
	assert.Eventually(t, func() bool { return s.State() == subscriber.StreamActive }, time.Second, 5*time.Millisecond)

	select {
	case err := <-s.result:
		t.Fatalf("supervisor stopped after idle streams were dropped: %v", err)
	default:
	}
	assert.Zero(t, s.attempts.Load())
}

func TestSupervisor_CloseAbortsWhileConnecting(t *testing.T) {
	// Nothing accepts on this listener, so the connection never comes up.
	lis := bufconn.Listen(1024)
	t.Cleanup(func() { _ = lis.Close() })
	conn, err := grpc.NewClient("passthrough:///unreachable",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := New(conn, Config{Subscription: testSubscription, Logger: zaptest.NewLogger(t)},
		func(context.Context, []*wire.ReceivedMessage) {})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- s.Run(context.Background()) }()
	assert.Eventually(t, func() bool { return s.State() == subscriber.StreamConnecting }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close gave up")
	}
	assert.Equal(t, subscriber.StreamClosed, s.State())
}
