package amqp

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/outbox"
)

// NewOutboxTransport publishes outbox messages through producer to a fixed
// routing key.
func NewOutboxTransport(producer Producer, routingKey, contentType string) outbox.Transport {
	return &outboxTransport{
		producer:    producer,
		routingKey:  routingKey,
		contentType: contentType,
	}
}

type outboxTransport struct {
	producer    Producer
	routingKey  string
	contentType string
}

func (t *outboxTransport) Publish(ctx context.Context, msg outbox.OutgoingMessage) error {
	err := t.producer.Publish(ctx, Delivery{
		RoutingKey:    t.routingKey,
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		ContentType:   t.contentType,
		Type:          msg.Type,
		Body:          msg.Body,
	})
	if err != nil && isTransient(err) {
		return outbox.NewTransientError(err)
	}
	return err
}

// isTransient reports broker failures a later batch may overcome.
func isTransient(err error) bool {
	if errors.Is(err, ErrPublishNacked) ||
		errors.Is(err, ErrConfirmationTimeout) ||
		errors.Is(err, ErrChannelClosed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Recover
}
