package amqp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"
)

var ErrUnexpectedContentType = errors.New("unexpected content type")

type Handler func(ctx context.Context, delivery Delivery) error

// NewEventHandler decodes deliveries through registry by their type property.
// Decoding failures are poison and get the delivery rejected.
func NewEventHandler(registry *outbox.Registry, handle func(ctx context.Context, event outbox.Event) error) Handler {
	return func(ctx context.Context, delivery Delivery) error {
		event, err := registry.Decode(delivery.Type, delivery.Body)
		if err != nil {
			return err
		}
		return handle(ctx, event)
	}
}

type Consumer interface {
	Channel
	// Errors reports the failure that stopped consumption.
	Errors() <-chan error
}

type ConsumerConfig struct {
	Queue       *QueueConfig
	Bind        *BindConfig
	QoS         QoSConfig
	ContentType string
}

func NewConsumer(
	ctx context.Context,
	handler Handler,
	config ConsumerConfig,
	bridge *tracing.Bridge,
	logger logging.Logger,
) Consumer {
	return newConsumer(ctx, handler, config, bridge, logger)
}

func newConsumer(
	ctx context.Context,
	handler Handler,
	config ConsumerConfig,
	bridge *tracing.Bridge,
	logger logging.Logger,
) *consumer {
	if config.Queue == nil {
		panic("queue config is required")
	}
	return &consumer{
		ctx:     ctx,
		handler: handler,
		config:  config,
		bridge:  bridge,
		logger:  logger,
		errors:  make(chan error, 1),
	}
}

type consumer struct {
	ctx     context.Context
	handler Handler
	config  ConsumerConfig
	bridge  *tracing.Bridge
	logger  logging.Logger
	errors  chan error

	conn    *amqp.Connection
	channel *amqp.Channel
}

func (c *consumer) Connect(conn *amqp.Connection) error {
	c.conn = conn

	channel, err := c.conn.Channel()
	if err != nil {
		return errors.WithStack(err)
	}
	return prepareChannel(channel, func() error {
		err := declareTopology(channel, nil, c.config.Queue, c.config.Bind)
		if err != nil {
			return errors.WithStack(err)
		}
		err = qosDeclare(c.config.QoS, channel)
		if err != nil {
			return errors.WithStack(err)
		}

		connErrorChan := channel.NotifyClose(make(chan *amqp.Error, 1))
		go c.processConnectErrors(connErrorChan)

		c.channel = channel

		return c.consume()
	})
}

func (c *consumer) Errors() <-chan error {
	return c.errors
}

func (c *consumer) consume() error {
	deliveriesChan, err := c.channel.Consume(c.config.Queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case delivery, ok := <-deliveriesChan:
				if !ok {
					return
				}
				if err := c.process(c.ctx, delivery); err != nil {
					c.fail(err)
					return
				}
			}
		}
	}()

	return nil
}

// process runs one delivery through the pipeline. Only failures the pipeline
// does not recognise are returned; the delivery is then left unacknowledged.
func (c *consumer) process(ctx context.Context, delivery amqp.Delivery) error {
	logger := c.logger.WithFields(logging.Fields{
		"message_id":     delivery.MessageId,
		"correlation_id": delivery.CorrelationId,
		"delivery_tag":   delivery.DeliveryTag,
		"routing_key":    delivery.RoutingKey,
	})
	logger.Info("message received")

	destination := tracing.Destination{
		Exchange:   delivery.Exchange,
		RoutingKey: delivery.RoutingKey,
		MessageID:  delivery.MessageId,
	}
	err := c.bridge.Consume(ctx, delivery.Headers, destination, func(ctx context.Context) error {
		if c.config.ContentType != "" && delivery.ContentType != c.config.ContentType {
			return errors.Wrapf(ErrUnexpectedContentType, "%q", delivery.ContentType)
		}
		return c.handler(ctx, Delivery{
			RoutingKey:    delivery.RoutingKey,
			MessageID:     delivery.MessageId,
			CorrelationID: delivery.CorrelationId,
			ContentType:   delivery.ContentType,
			Type:          delivery.Type,
			Headers:       delivery.Headers,
			Body:          delivery.Body,
		})
	})

	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Warning(ackErr, "failed to ack message, channel may be closed")
		}
		return nil
	case errors.Is(err, ErrUnexpectedContentType) || outbox.IsPoison(err):
		logger.Error(err, "message rejected")
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			logger.Warning(nackErr, "failed to nack message, channel may be closed")
		}
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("message processing cancelled due to shutdown")
		return nil
	case errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrChannelClosed):
		logger.Error(err, "channel closed during message processing")
		return nil
	default:
		logger.Error(err, "unexpected error during message processing")
		return err
	}
}

func (c *consumer) fail(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *consumer) processConnectErrors(ch chan *amqp.Error) {
	err := <-ch
	if err == nil {
		return
	}

	c.logger.Error(err, "AMQP channel error, trying to reconnect")
	for {
		if c.conn.IsClosed() || c.ctx.Err() != nil {
			return
		}
		err := c.Connect(c.conn)
		if err == nil {
			c.logger.Info("AMQP channel restored")
			return
		}
		c.logger.Error(err, "failed to reconnect to AMQP channel")
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(channelRestoreDelay):
		}
	}
}
