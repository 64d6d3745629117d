package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts one span per callback invocation.
type Tracer struct {
	tracer       trace.Tracer
	subscription string
}

// NewTracer creates a tracer from tp. A nil provider yields no-op spans.
func NewTracer(tp trace.TracerProvider, subscription string) *Tracer {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	return &Tracer{
		tracer:       tp.Tracer(InstrumentationName),
		subscription: subscription,
	}
}

// StartCallback starts a consumer span for the delivery.
func (t *Tracer) StartCallback(ctx context.Context, messageID, orderingKey string, deliveryAttempt int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "gcp_pubsub"),
		attribute.String("messaging.destination.name", t.subscription),
		attribute.String("messaging.message.id", messageID),
	}
	if orderingKey != "" {
		attrs = append(attrs, attribute.String("messaging.gcp_pubsub.message.ordering_key", orderingKey))
	}
	if deliveryAttempt > 0 {
		attrs = append(attrs, attribute.Int("messaging.gcp_pubsub.message.delivery_attempt", deliveryAttempt))
	}
	return t.tracer.Start(ctx, t.subscription+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// EndCallback ends span, marking it failed when err is non-nil.
func EndCallback(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
