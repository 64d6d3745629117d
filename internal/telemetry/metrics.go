// Package telemetry holds the OpenTelemetry instruments of a subscription.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter and tracer name.
const InstrumentationName = "github.com/rmacdonaldsmith/streampull-go"

// Outcome labels how a delivery ended.
type Outcome string

const (
	OutcomeAck      Outcome = "ack"
	OutcomeNack     Outcome = "nack"
	OutcomeExpired  Outcome = "expired"
	OutcomeTooLarge Outcome = "too_large"
	OutcomeDrained  Outcome = "drained"
)

// Metrics holds the metric instruments of one subscription.
type Metrics struct {
	attrs metric.MeasurementOption

	// Counters
	messagesReceived  metric.Int64Counter
	bytesReceived     metric.Int64Counter
	messagesFinalized metric.Int64Counter
	leaseExtensions   metric.Int64Counter
	streamReconnects  metric.Int64Counter
	streamErrors      metric.Int64Counter
	callbackErrors    metric.Int64Counter

	// UpDownCounters
	outstandingMessages metric.Int64UpDownCounter
	outstandingBytes    metric.Int64UpDownCounter

	// Histograms
	callbackDuration metric.Float64Histogram
}

// NewMetrics creates the instruments from mp, labelled with the subscription.
// A nil provider yields no-op instruments.
func NewMetrics(mp metric.MeterProvider, subscription string) (*Metrics, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)
	m := &Metrics{
		attrs: metric.WithAttributes(attribute.String("subscription", subscription)),
	}

	var err error

	m.messagesReceived, err = meter.Int64Counter(
		"streampull.messages.received",
		metric.WithDescription("Messages received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.bytesReceived, err = meter.Int64Counter(
		"streampull.bytes.received",
		metric.WithDescription("Message bytes received from the broker"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.messagesFinalized, err = meter.Int64Counter(
		"streampull.messages.finalized",
		metric.WithDescription("Deliveries finalized, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFinalized counter: %w", err)
	}

	m.leaseExtensions, err = meter.Int64Counter(
		"streampull.lease.extensions",
		metric.WithDescription("Ack ids sent in lease extension requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaseExtensions counter: %w", err)
	}

	m.streamReconnects, err = meter.Int64Counter(
		"streampull.stream.reconnects",
		metric.WithDescription("Stream reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamReconnects counter: %w", err)
	}

	m.streamErrors, err = meter.Int64Counter(
		"streampull.stream.errors",
		metric.WithDescription("Stream errors, by status code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamErrors counter: %w", err)
	}

	m.callbackErrors, err = meter.Int64Counter(
		"streampull.callback.errors",
		metric.WithDescription("Callbacks that returned an error or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbackErrors counter: %w", err)
	}

	m.outstandingMessages, err = meter.Int64UpDownCounter(
		"streampull.outstanding.messages",
		metric.WithDescription("Deliveries admitted and not yet finalized"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outstandingMessages gauge: %w", err)
	}

	m.outstandingBytes, err = meter.Int64UpDownCounter(
		"streampull.outstanding.bytes",
		metric.WithDescription("Bytes admitted and not yet finalized"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outstandingBytes gauge: %w", err)
	}

	m.callbackDuration, err = meter.Float64Histogram(
		"streampull.callback.duration.ms",
		metric.WithDescription("Callback duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbackDuration histogram: %w", err)
	}

	return m, nil
}

// RecordReceived records a message received from the broker.
func (m *Metrics) RecordReceived(sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, m.attrs)
	m.bytesReceived.Add(ctx, sizeBytes, m.attrs)
}

// RecordAdmitted records a delivery entering the outstanding set.
func (m *Metrics) RecordAdmitted(sizeBytes int64) {
	ctx := context.Background()
	m.outstandingMessages.Add(ctx, 1, m.attrs)
	m.outstandingBytes.Add(ctx, sizeBytes, m.attrs)
}

// RecordFinalized records a delivery leaving the outstanding set. Deliveries
// that were never admitted pass admitted=false.
func (m *Metrics) RecordFinalized(outcome Outcome, sizeBytes int64, admitted bool) {
	ctx := context.Background()
	m.messagesFinalized.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	if admitted {
		m.outstandingMessages.Add(ctx, -1, m.attrs)
		m.outstandingBytes.Add(ctx, -sizeBytes, m.attrs)
	}
}

// RecordExtensions records n ack ids queued for lease extension.
func (m *Metrics) RecordExtensions(n int) {
	m.leaseExtensions.Add(context.Background(), int64(n), m.attrs)
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.streamReconnects.Add(context.Background(), 1, m.attrs)
}

// RecordStreamError records a stream error by its status code name.
func (m *Metrics) RecordStreamError(code string) {
	m.streamErrors.Add(context.Background(), 1, m.attrs, metric.WithAttributes(attribute.String("code", code)))
}

// RecordCallback records one callback run.
func (m *Metrics) RecordCallback(durationMs float64, failed bool) {
	ctx := context.Background()
	m.callbackDuration.Record(ctx, durationMs, m.attrs)
	if failed {
		m.callbackErrors.Add(ctx, 1, m.attrs)
	}
}
