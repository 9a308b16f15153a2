package amqp

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"
)

type temperatureRecorded struct {
	Celsius int `json:"celsius"`
}

func (temperatureRecorded) Type() string {
	return "test.temperature_recorded"
}

type acknowledgement struct {
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	calls []acknowledgement
	err   error
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.calls = append(a.calls, acknowledgement{ack: true})
	return a.err
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.calls = append(a.calls, acknowledgement{requeue: requeue})
	return a.err
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.calls = append(a.calls, acknowledgement{requeue: requeue})
	return a.err
}

func newTestConsumer(ctx context.Context, handler Handler) (*consumer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	bridge := tracing.NewBridge(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	impl, _ := logrustest.NewNullLogger()
	c := newConsumer(ctx, handler, ConsumerConfig{
		Queue:       &QueueConfig{Name: "weather", Durable: true},
		ContentType: "application/json",
	}, bridge, logging.Wrap(impl, "test"))
	return c, recorder
}

func newDelivery(acknowledger amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  acknowledger,
		DeliveryTag:   7,
		RoutingKey:    "weather",
		MessageId:     "0199f8a0-0000-7000-8000-000000000001",
		CorrelationId: "producer:hash:uuid",
		ContentType:   "application/json",
		Type:          "test.temperature_recorded",
		Body:          []byte(`{"celsius":21}`),
	}
}

func TestConsumerProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("handled delivery is acked", func(t *testing.T) {
		var received Delivery
		c, recorder := newTestConsumer(ctx, func(_ context.Context, delivery Delivery) error {
			received = delivery
			return nil
		})
		acknowledger := &fakeAcknowledger{}

		require.NoError(t, c.process(ctx, newDelivery(acknowledger)))

		assert.Equal(t, []acknowledgement{{ack: true}}, acknowledger.calls)
		assert.Equal(t, "0199f8a0-0000-7000-8000-000000000001", received.MessageID)
		assert.Equal(t, "producer:hash:uuid", received.CorrelationID)
		assert.Equal(t, "test.temperature_recorded", received.Type)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "weather process", spans[0].Name())
	})

	t.Run("handler continues producer trace", func(t *testing.T) {
		provider := sdktrace.NewTracerProvider()
		bridge := tracing.NewBridge(provider)
		publishCtx, span := provider.Tracer("test").Start(ctx, "publish")
		headers := amqp.Table{}
		bridge.Inject(publishCtx, headers)
		span.End()

		var handlerSpan trace.SpanContext
		c, _ := newTestConsumer(ctx, func(ctx context.Context, _ Delivery) error {
			handlerSpan = trace.SpanContextFromContext(ctx)
			return nil
		})
		delivery := newDelivery(&fakeAcknowledger{})
		delivery.Headers = headers

		require.NoError(t, c.process(ctx, delivery))
		assert.Equal(t, span.SpanContext().TraceID(), handlerSpan.TraceID())
	})

	t.Run("unexpected content type is rejected", func(t *testing.T) {
		called := false
		c, _ := newTestConsumer(ctx, func(context.Context, Delivery) error {
			called = true
			return nil
		})
		acknowledger := &fakeAcknowledger{}
		delivery := newDelivery(acknowledger)
		delivery.ContentType = "text/plain"

		require.NoError(t, c.process(ctx, delivery))
		assert.False(t, called)
		assert.Equal(t, []acknowledgement{{requeue: false}}, acknowledger.calls)
	})

	t.Run("poison delivery is rejected without requeue", func(t *testing.T) {
		registry := outbox.NewRegistry()
		outbox.Register[temperatureRecorded](registry)
		c, _ := newTestConsumer(ctx, NewEventHandler(registry, func(context.Context, outbox.Event) error {
			return nil
		}))

		for name, mutate := range map[string]func(*amqp.Delivery){
			"unknown type":    func(d *amqp.Delivery) { d.Type = "test.unknown" },
			"malformed body":  func(d *amqp.Delivery) { d.Body = []byte(`{"celsius":`) },
			"unknown field":   func(d *amqp.Delivery) { d.Body = []byte(`{"celsius":1,"kelvin":274}`) },
			"trailing values": func(d *amqp.Delivery) { d.Body = []byte(`{"celsius":1}{}`) },
		} {
			t.Run(name, func(t *testing.T) {
				acknowledger := &fakeAcknowledger{}
				delivery := newDelivery(acknowledger)
				mutate(&delivery)

				require.NoError(t, c.process(ctx, delivery))
				assert.Equal(t, []acknowledgement{{requeue: false}}, acknowledger.calls)
			})
		}
	})

	t.Run("event handler receives decoded event", func(t *testing.T) {
		registry := outbox.NewRegistry()
		outbox.Register[temperatureRecorded](registry)
		var received outbox.Event
		c, _ := newTestConsumer(ctx, NewEventHandler(registry, func(_ context.Context, event outbox.Event) error {
			received = event
			return nil
		}))

		require.NoError(t, c.process(ctx, newDelivery(&fakeAcknowledger{})))
		assert.Equal(t, temperatureRecorded{Celsius: 21}, received)
	})

	t.Run("shutdown leaves delivery for redelivery", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		c, recorder := newTestConsumer(cancelCtx, func(ctx context.Context, _ Delivery) error {
			cancel()
			return ctx.Err()
		})
		acknowledger := &fakeAcknowledger{}

		require.NoError(t, c.process(cancelCtx, newDelivery(acknowledger)))
		assert.Empty(t, acknowledger.calls)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		require.NotEmpty(t, spans[0].Events())
		assert.Equal(t, "cancelled", spans[0].Events()[0].Name)
	})

	t.Run("failed nack is swallowed", func(t *testing.T) {
		c, _ := newTestConsumer(ctx, func(context.Context, Delivery) error {
			return errors.WithStack(outbox.ErrMalformedContent)
		})
		acknowledger := &fakeAcknowledger{err: amqp.ErrClosed}

		require.NoError(t, c.process(ctx, newDelivery(acknowledger)))
		assert.Len(t, acknowledger.calls, 1)
	})

	t.Run("failed ack is swallowed", func(t *testing.T) {
		c, _ := newTestConsumer(ctx, func(context.Context, Delivery) error {
			return nil
		})
		acknowledger := &fakeAcknowledger{err: amqp.ErrClosed}

		require.NoError(t, c.process(ctx, newDelivery(acknowledger)))
	})

	t.Run("closed channel during processing", func(t *testing.T) {
		c, _ := newTestConsumer(ctx, func(context.Context, Delivery) error {
			return errors.WithStack(amqp.ErrClosed)
		})
		acknowledger := &fakeAcknowledger{}

		require.NoError(t, c.process(ctx, newDelivery(acknowledger)))
		assert.Empty(t, acknowledger.calls)
	})

	t.Run("unrecognised failure stops consumption", func(t *testing.T) {
		failure := errors.New("database is down")
		c, recorder := newTestConsumer(ctx, func(context.Context, Delivery) error {
			return failure
		})
		acknowledger := &fakeAcknowledger{}

		err := c.process(ctx, newDelivery(acknowledger))
		assert.ErrorIs(t, err, failure)
		assert.Empty(t, acknowledger.calls)

		c.fail(err)
		assert.ErrorIs(t, <-c.Errors(), failure)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "database is down", spans[0].Status().Description)
	})
}
