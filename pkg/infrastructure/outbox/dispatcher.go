package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
)

// OutgoingMessage is a decoded outbox row ready for the broker.
type OutgoingMessage struct {
	ID            string
	Type          string
	CorrelationID string
	Body          []byte
}

// Transport publishes one message and returns once the broker confirmed it.
// Failures the dispatch loop may retry must be wrapped in TransientError.
type Transport interface {
	Publish(ctx context.Context, msg OutgoingMessage) error
}

// DeliveryError is returned when the transport rejected a message. The batch
// it belonged to is rolled back.
type DeliveryError struct {
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver outbox message %s: %s", e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Dispatcher interface {
	// Start runs batches every period until ctx is cancelled or the transport
	// fails with an error it does not mark as transient.
	Start(ctx context.Context) error
	// DispatchBatch runs one batch in its own transaction and reports how
	// many messages reached a terminal state.
	DispatchBatch(ctx context.Context) (int, error)
}

type DispatcherConfig struct {
	AppID     string
	BatchSize int
	Period    time.Duration
}

func NewUnitOfWork(client database.TransactionalClient, clock clock.Clock) database.UnitOfWork[Repository] {
	return database.NewUnitOfWork[Repository](client, func(client database.ClientContext, dialect database.Dialect) Repository {
		return NewRepository(client, dialect, clock)
	}, nil)
}

func NewDispatcher(
	config DispatcherConfig,
	uow database.UnitOfWork[Repository],
	registry *outbox.Registry,
	transport Transport,
	logger logging.Logger,
) Dispatcher {
	if config.BatchSize <= 0 {
		panic("batch size must be positive")
	}
	return &dispatcher{
		config:    config,
		uow:       uow,
		registry:  registry,
		transport: transport,
		logger:    logger,
	}
}

type dispatcher struct {
	config    DispatcherConfig
	uow       database.UnitOfWork[Repository]
	registry  *outbox.Registry
	transport Transport
	logger    logging.Logger
}

func (d *dispatcher) Start(ctx context.Context) error {
	for {
		n, err := d.DispatchBatch(ctx)
		if err != nil {
			var deliveryErr *DeliveryError
			if errors.As(err, &deliveryErr) && !IsTransient(err) {
				return err
			}
			d.logger.Warning(err, "outbox batch aborted, pending messages will be retried")
		} else if n > 0 {
			d.logger.WithField("count", n).Info("outbox batch dispatched")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.config.Period):
		}
	}
}

func (d *dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}

	// The transaction outlives ctx so a cancelled batch still commits the
	// rows it has already handled.
	txCtx := context.WithoutCancel(ctx)

	var handled int
	err := d.uow.ExecuteWithUnitOfWork(txCtx, func(repo Repository) error {
		messages, err := repo.FetchPending(txCtx, d.config.BatchSize)
		if err != nil {
			return err
		}

		for _, msg := range messages {
			if ctx.Err() != nil {
				d.logger.WithField("remaining", len(messages)-handled).Info("dispatch cancelled, remaining messages stay pending")
				return nil
			}
			if err = d.dispatch(txCtx, repo, msg); err != nil {
				return err
			}
			handled++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return handled, nil
}

func (d *dispatcher) dispatch(ctx context.Context, repo Repository, msg Message) error {
	logger := d.logger.WithFields(logging.Fields{
		"message_id": msg.ID,
		"type":       msg.Type,
	})

	body, err := d.decode(msg)
	if err != nil {
		logger.Error(err, "outbox message cannot be decoded, marking as failed")
		return repo.MarkFailed(ctx, msg.ID, err.Error())
	}

	correlationID, err := newCorrelationID(d.config.AppID, body)
	if err != nil {
		return err
	}

	err = d.transport.Publish(ctx, OutgoingMessage{
		ID:            msg.ID,
		Type:          msg.Type,
		CorrelationID: correlationID,
		Body:          body,
	})
	if err != nil {
		return &DeliveryError{MessageID: msg.ID, Err: err}
	}

	logger.WithField("correlation_id", correlationID).Debug("outbox message published")
	return repo.MarkProcessed(ctx, msg.ID)
}

func (d *dispatcher) decode(msg Message) ([]byte, error) {
	event, err := d.registry.Decode(msg.Type, []byte(msg.Content))
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(outbox.ErrMalformedContent, err.Error())
	}
	return body, nil
}
