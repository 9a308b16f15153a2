package amqp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"
)

var testNow = time.Date(2025, time.October, 21, 21, 2, 30, 0, time.UTC)

type publishedMessage struct {
	sequenceNumber uint64
	exchange       string
	routingKey     string
	mandatory      bool
	msg            amqp.Publishing
}

// fakeChannel numbers publishes like a broker channel in confirm mode.
type fakeChannel struct {
	mu        sync.Mutex
	next      uint64
	published []publishedMessage
	err       error
	onPublish func(sequenceNumber uint64)
	// generation is the producer generation the channel was attached with.
	generation uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{next: 1}
}

func (c *fakeChannel) GetNextPublishSeqNo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	sequenceNumber := c.next
	c.next++
	c.published = append(c.published, publishedMessage{
		sequenceNumber: sequenceNumber,
		exchange:       exchange,
		routingKey:     key,
		mandatory:      mandatory,
		msg:            msg,
	})
	onPublish := c.onPublish
	c.mu.Unlock()

	if onPublish != nil {
		go onPublish(sequenceNumber)
	}
	return nil
}

func (c *fakeChannel) messages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func newTestProducer(confirmTimeout time.Duration) (*producer, *fakeChannel, *tracetest.SpanRecorder, *logrustest.Hook) {
	recorder := tracetest.NewSpanRecorder()
	bridge := tracing.NewBridge(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	impl, hook := logrustest.NewNullLogger()

	p := newProducer(ProducerConfig{
		AppID:          "producer",
		ConfirmTimeout: confirmTimeout,
		Queue:          &QueueConfig{Name: "weather", Durable: true},
	}, bridge, clock.NewFixedClock(testNow), logging.Wrap(impl, "test"))
	channel := newFakeChannel()
	channel.generation = p.attach(channel)
	return p, channel, recorder, hook
}

var weatherDelivery = Delivery{
	RoutingKey:    "weather",
	MessageID:     "0199f8a0-0000-7000-8000-000000000001",
	CorrelationID: "producer:hash:0199f8a0-0000-7000-8000-000000000002",
	ContentType:   "application/json",
	Type:          "forecast.batch_generated",
	Body:          []byte(`[]`),
}

func TestProducerPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("ack confirms publish", func(t *testing.T) {
		p, channel, recorder, _ := newTestProducer(time.Second)
		channel.onPublish = func(seq uint64) {
			p.handleConfirmation(channel.generation, amqp.Confirmation{DeliveryTag: seq, Ack: true})
		}

		require.NoError(t, p.Publish(ctx, weatherDelivery))

		messages := channel.messages()
		require.Len(t, messages, 1)
		published := messages[0]
		assert.Equal(t, "", published.exchange)
		assert.Equal(t, "weather", published.routingKey)
		assert.True(t, published.mandatory)
		assert.Equal(t, amqp.Persistent, published.msg.DeliveryMode)
		assert.Equal(t, weatherDelivery.MessageID, published.msg.MessageId)
		assert.Equal(t, weatherDelivery.CorrelationID, published.msg.CorrelationId)
		assert.Equal(t, "application/json", published.msg.ContentType)
		assert.Equal(t, "producer", published.msg.AppId)
		assert.Equal(t, testNow, published.msg.Timestamp)
		assert.IsType(t, []byte{}, published.msg.Headers["traceparent"])
		assert.Zero(t, p.tracker.Pending())

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "weather publish", spans[0].Name())
	})

	t.Run("nack fails publish", func(t *testing.T) {
		p, channel, _, _ := newTestProducer(time.Second)
		channel.onPublish = func(seq uint64) {
			p.handleConfirmation(channel.generation, amqp.Confirmation{DeliveryTag: seq, Ack: false})
		}

		err := p.Publish(ctx, weatherDelivery)
		assert.ErrorIs(t, err, ErrPublishNacked)
		assert.True(t, isTransient(err))
	})

	t.Run("missing confirmation times out", func(t *testing.T) {
		p, channel, recorder, _ := newTestProducer(20 * time.Millisecond)

		err := p.Publish(ctx, weatherDelivery)
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.Zero(t, p.tracker.Pending())

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "timeout", spans[0].Status().Description)

		p.handleConfirmation(channel.generation, amqp.Confirmation{DeliveryTag: 1, Ack: true})
		assert.Zero(t, p.tracker.Pending())
	})

	t.Run("caller cancellation abandons confirmation", func(t *testing.T) {
		p, channel, _, _ := newTestProducer(time.Second)
		cancelCtx, cancel := context.WithCancel(ctx)
		channel.onPublish = func(uint64) {
			cancel()
		}

		err := p.Publish(cancelCtx, weatherDelivery)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, p.tracker.Pending())
	})

	t.Run("channel loss fails in-flight publish", func(t *testing.T) {
		p, channel, _, _ := newTestProducer(time.Second)
		channel.onPublish = func(uint64) {
			p.detach(channel.generation)
		}

		err := p.Publish(ctx, weatherDelivery)
		assert.ErrorIs(t, err, ErrChannelClosed)

		err = p.Publish(ctx, weatherDelivery)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.Len(t, channel.messages(), 1)
	})

	t.Run("confirmations of a replaced channel are dropped", func(t *testing.T) {
		p, old, _, _ := newTestProducer(time.Second)
		p.detach(old.generation)
		channel := newFakeChannel()
		channel.generation = p.attach(channel)
		channel.onPublish = func(seq uint64) {
			p.handleConfirmation(old.generation, amqp.Confirmation{DeliveryTag: seq, Ack: true})
			p.handleConfirmation(channel.generation, amqp.Confirmation{DeliveryTag: seq, Ack: false})
		}

		err := p.Publish(ctx, weatherDelivery)
		assert.ErrorIs(t, err, ErrPublishNacked)
		assert.Zero(t, p.tracker.Pending())
	})

	t.Run("close of a replaced channel keeps the current one", func(t *testing.T) {
		p, old, _, _ := newTestProducer(time.Second)
		p.detach(old.generation)
		channel := newFakeChannel()
		channel.generation = p.attach(channel)
		p.detach(old.generation)
		channel.onPublish = func(seq uint64) {
			p.handleConfirmation(channel.generation, amqp.Confirmation{DeliveryTag: seq, Ack: true})
		}

		require.NoError(t, p.Publish(ctx, weatherDelivery))
		assert.Empty(t, old.messages())
		assert.Len(t, channel.messages(), 1)
	})

	t.Run("closed channel on publish", func(t *testing.T) {
		p, channel, _, _ := newTestProducer(time.Second)
		channel.err = amqp.ErrClosed

		err := p.Publish(ctx, weatherDelivery)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.Zero(t, p.tracker.Pending())
	})

	t.Run("concurrent publishes are correlated by sequence number", func(t *testing.T) {
		p, channel, _, _ := newTestProducer(time.Second)
		channel.onPublish = func(seq uint64) {
			p.handleConfirmation(channel.generation, amqp.Confirmation{DeliveryTag: seq, Ack: seq%2 == 0})
		}

		const total = 20
		results := make(chan error, total)
		for i := 0; i < total; i++ {
			go func() {
				results <- p.Publish(ctx, weatherDelivery)
			}()
		}
		var acked, nacked int
		for i := 0; i < total; i++ {
			if err := <-results; err == nil {
				acked++
			} else {
				assert.ErrorIs(t, err, ErrPublishNacked)
				nacked++
			}
		}
		assert.Equal(t, total/2, acked)
		assert.Equal(t, total/2, nacked)
	})
}

type fakeManagedChannel struct {
	closed     bool
	closeCalls int
}

func (c *fakeManagedChannel) IsClosed() bool {
	return c.closed
}

func (c *fakeManagedChannel) Close() error {
	c.closeCalls++
	c.closed = true
	return nil
}

func TestPrepareChannel(t *testing.T) {
	errSetup := errors.New("declare failed")

	t.Run("closes channel when setup fails", func(t *testing.T) {
		channel := &fakeManagedChannel{}
		err := prepareChannel(channel, func() error {
			return errSetup
		})
		assert.ErrorIs(t, err, errSetup)
		assert.Equal(t, 1, channel.closeCalls)
	})

	t.Run("keeps channel open after setup", func(t *testing.T) {
		channel := &fakeManagedChannel{}
		require.NoError(t, prepareChannel(channel, func() error {
			return nil
		}))
		assert.Zero(t, channel.closeCalls)
	})

	t.Run("rejects closed channel without setup", func(t *testing.T) {
		channel := &fakeManagedChannel{closed: true}
		var setupCalled bool
		err := prepareChannel(channel, func() error {
			setupCalled = true
			return nil
		})
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.False(t, setupCalled)
		assert.Zero(t, channel.closeCalls)
	})
}

func TestProcessReturns(t *testing.T) {
	p, _, _, hook := newTestProducer(time.Second)
	returns := make(chan amqp.Return, 1)
	returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", RoutingKey: "weather", MessageId: "id"}
	close(returns)

	p.processReturns(returns)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "unroutable message returned", entry.Message)
	assert.EqualValues(t, 312, entry.Data["reply_code"])
	assert.Equal(t, "NO_ROUTE", entry.Data["reply_text"])
}

type stubProducer struct {
	Producer
	delivery Delivery
	err      error
}

func (p *stubProducer) Publish(_ context.Context, delivery Delivery) error {
	p.delivery = delivery
	return p.err
}

func TestOutboxTransport(t *testing.T) {
	ctx := context.Background()
	msg := outbox.OutgoingMessage{
		ID:            "0199f8a0-0000-7000-8000-000000000001",
		Type:          "forecast.batch_generated",
		CorrelationID: "producer:hash:uuid",
		Body:          []byte(`[]`),
	}

	t.Run("maps outgoing message", func(t *testing.T) {
		producer := &stubProducer{}
		require.NoError(t, NewOutboxTransport(producer, "weather", "application/json").Publish(ctx, msg))
		assert.Equal(t, Delivery{
			RoutingKey:    "weather",
			MessageID:     msg.ID,
			CorrelationID: msg.CorrelationID,
			ContentType:   "application/json",
			Type:          msg.Type,
			Body:          msg.Body,
		}, producer.delivery)
	})

	for name, tc := range map[string]struct {
		err       error
		transient bool
	}{
		"nack":             {err: errors.WithStack(ErrPublishNacked), transient: true},
		"timeout":          {err: ErrConfirmationTimeout, transient: true},
		"channel closed":   {err: errors.Wrap(ErrChannelClosed, "reconnecting"), transient: true},
		"recoverable amqp": {err: &amqp.Error{Code: amqp.ConnectionForced, Recover: true}, transient: true},
		"fatal amqp":       {err: &amqp.Error{Code: amqp.FrameError, Recover: false}},
		"unrecognized":     {err: errors.New("unexpected")},
	} {
		t.Run(name, func(t *testing.T) {
			producer := &stubProducer{err: tc.err}
			err := NewOutboxTransport(producer, "weather", "application/json").Publish(ctx, msg)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.transient, outbox.IsTransient(err))
		})
	}
}
