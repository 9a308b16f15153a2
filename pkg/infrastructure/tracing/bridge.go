package tracing

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"

// Destination describes where a message goes or comes from.
type Destination struct {
	Exchange   string
	RoutingKey string
	MessageID  string
}

func (d Destination) attributes(operation string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination_kind", "queue"),
		attribute.String("messaging.destination.name", d.name()),
		attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
		attribute.String("messaging.operation", operation),
	}
	if d.MessageID != "" {
		attrs = append(attrs, attribute.String("messaging.message.id", d.MessageID))
	}
	return attrs
}

func (d Destination) name() string {
	if d.Exchange == "" {
		return d.RoutingKey
	}
	return d.Exchange
}

// Bridge carries trace context and baggage across the broker.
type Bridge struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func NewBridge(provider trace.TracerProvider) *Bridge {
	return &Bridge{
		tracer:     provider.Tracer(instrumentationName),
		propagator: NewPropagator(),
	}
}

func NewPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Inject writes the span context and baggage of ctx into headers.
func (b *Bridge) Inject(ctx context.Context, headers amqp.Table) {
	b.propagator.Inject(ctx, HeaderCarrier(headers))
}

// Extract returns ctx carrying the remote span context and baggage found in
// headers. Baggage already present in ctx is dropped so that it never leaks
// from one message into another. Missing or malformed headers yield ctx
// without a remote parent.
func (b *Bridge) Extract(ctx context.Context, headers amqp.Table) context.Context {
	ctx = baggage.ContextWithoutBaggage(ctx)
	if headers == nil {
		return ctx
	}
	return b.propagator.Extract(ctx, HeaderCarrier(headers))
}

// Publish runs send inside a producer span parented to ctx. send receives the
// span context and is expected to Inject it into the outgoing headers.
func (b *Bridge) Publish(ctx context.Context, destination Destination, send func(ctx context.Context) error) error {
	spanCtx, span := b.tracer.Start(
		ctx,
		fmt.Sprintf("%s publish", destination.name()),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(destination.attributes("publish")...),
	)
	defer span.End()

	err := send(spanCtx)
	recordOutcome(ctx, span, err)
	return err
}

// Consume runs handle inside a consumer span whose parent is taken from the
// delivery headers. The baggage visible to handle is the message baggage only.
func (b *Bridge) Consume(
	ctx context.Context,
	headers amqp.Table,
	destination Destination,
	handle func(ctx context.Context) error,
) error {
	parentCtx := b.Extract(ctx, headers)
	spanCtx, span := b.tracer.Start(
		parentCtx,
		fmt.Sprintf("%s process", destination.name()),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(destination.attributes("process")...),
	)
	defer span.End()

	err := handle(spanCtx)
	recordOutcome(ctx, span, err)
	return err
}

// recordOutcome sets the span status. Cancellation requested by the caller
// leaves the status unset.
func recordOutcome(callerCtx context.Context, span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled) && callerCtx.Err() != nil:
		span.AddEvent("cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
