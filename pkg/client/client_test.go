package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rmacdonaldsmith/streampull-go/internal/brokertest"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

func TestSubscribe_Validation(t *testing.T) {
	broker := brokertest.New(t)
	c := New(broker.Conn(t))
	noop := subscriber.HandlerFunc(func(context.Context, subscriber.Message) error { return nil })

	_, err := c.Subscribe(context.Background(), "s", nil, subscriber.DefaultFlowControl())
	assert.ErrorIs(t, err, subscriber.ErrNilHandler)

	_, err = c.Subscribe(context.Background(), "", noop, subscriber.DefaultFlowControl())
	assert.ErrorIs(t, err, subscriber.ErrEmptySubscription)

	_, err = c.Subscribe(context.Background(), "s", noop, subscriber.FlowControl{MaxOutstandingMessages: -1})
	assert.ErrorIs(t, err, subscriber.ErrInvalidFlowControl)

	_, err = New(nil).Subscribe(context.Background(), "s", noop, subscriber.DefaultFlowControl())
	assert.Error(t, err)
}

func TestSubscribe_EndToEnd(t *testing.T) {
	broker := brokertest.New(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	c := New(broker.Conn(t),
		WithLogger(zaptest.NewLogger(t)),
		WithMeterProvider(mp),
		WithDrainTimeout(time.Second),
	)

	received := make(chan string, 1)
	handle, err := c.Subscribe(context.Background(), "projects/p/subscriptions/s",
		subscriber.HandlerFunc(func(_ context.Context, msg subscriber.Message) error {
			received <- string(msg.Data())
			return msg.Ack()
		}),
		subscriber.DefaultFlowControl(),
		WithClientID("cli-1"),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, broker.WaitStreams(ctx, 1))
	require.NoError(t, broker.Publish(brokertest.Message("a1", "m1", []byte("hello"), "")))

	select {
	case data := <-received:
		assert.Equal(t, "hello", data)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
	require.NoError(t, broker.WaitFor(ctx, func(s brokertest.Snapshot) bool { return len(s.Acks) == 1 }))

	handle.Cancel()
	require.NoError(t, handle.Wait(ctx))
	assert.Equal(t, subscriber.HandleCancelled, handle.State())

	snap := broker.Snapshot()
	require.NotEmpty(t, snap.Initial)
	assert.Equal(t, "cli-1", snap.Initial[0].ClientID)
	assert.Equal(t, int64(subscriber.DefaultMaxOutstandingMessages), snap.Initial[0].MaxOutstandingMessages)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["streampull.messages.received"])
	assert.True(t, names["streampull.messages.finalized"])
}

func TestSubscribe_ZeroFlowControlUsesDefaults(t *testing.T) {
	broker := brokertest.New(t)
	c := New(broker.Conn(t), WithLogger(zaptest.NewLogger(t)), WithDrainTimeout(time.Second))

	handle, err := c.Subscribe(context.Background(), "s",
		subscriber.HandlerFunc(func(_ context.Context, msg subscriber.Message) error { return msg.Ack() }),
		subscriber.FlowControl{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, broker.WaitStreams(ctx, 1))

	initial := broker.Snapshot().Initial[0]
	assert.Equal(t, int64(subscriber.DefaultMaxOutstandingMessages), initial.MaxOutstandingMessages)
	assert.Zero(t, initial.MaxOutstandingBytes)

	handle.Cancel()
	require.NoError(t, handle.Wait(ctx))
}
