package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"
)

const (
	defaultConfirmTimeout = 30 * time.Second
	confirmationBuffer    = 64
	channelRestoreDelay   = time.Second
)

type Delivery struct {
	RoutingKey    string
	MessageID     string
	CorrelationID string
	ContentType   string
	Type          string
	Headers       amqp.Table
	Body          []byte
}

type Producer interface {
	Channel
	// Publish sends a persistent mandatory message and waits for the broker
	// confirmation or the confirm timeout, whichever comes first.
	Publish(ctx context.Context, delivery Delivery) error
}

// PublishingChannel is the part of *amqp.Channel used on the publish path.
type PublishingChannel interface {
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type ProducerConfig struct {
	AppID          string
	ConfirmTimeout time.Duration
	Exchange       *ExchangeConfig
	Queue          *QueueConfig
	Bind           *BindConfig
}

func NewProducer(config ProducerConfig, bridge *tracing.Bridge, clock clock.Clock, logger logging.Logger) Producer {
	return newProducer(config, bridge, clock, logger)
}

func newProducer(config ProducerConfig, bridge *tracing.Bridge, clock clock.Clock, logger logging.Logger) *producer {
	if config.Exchange == nil && config.Queue == nil {
		panic("exchange or queue config is required")
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = defaultConfirmTimeout
	}
	return &producer{
		config:  config,
		bridge:  bridge,
		clock:   clock,
		logger:  logger,
		tracker: NewConfirmationTracker(logger),
	}
}

type producer struct {
	config  ProducerConfig
	bridge  *tracing.Bridge
	clock   clock.Clock
	logger  logging.Logger
	tracker *ConfirmationTracker

	conn *amqp.Connection

	// publishMu keeps sequence number reads and publishes in the same order.
	publishMu sync.Mutex
	channelMu sync.RWMutex
	// generation changes whenever a channel is attached or detached.
	generation uint64
	channel    PublishingChannel
}

func (p *producer) Connect(conn *amqp.Connection) error {
	p.conn = conn

	channel, err := conn.Channel()
	if err != nil {
		return errors.WithStack(err)
	}
	return prepareChannel(channel, func() error {
		err := declareTopology(channel, p.config.Exchange, p.config.Queue, p.config.Bind)
		if err != nil {
			return errors.WithStack(err)
		}

		err = channel.Confirm(false)
		if err != nil {
			return errors.WithStack(err)
		}

		confirmations := channel.NotifyPublish(make(chan amqp.Confirmation, confirmationBuffer))
		returns := channel.NotifyReturn(make(chan amqp.Return, 1))
		closeErrors := channel.NotifyClose(make(chan *amqp.Error, 1))

		generation := p.attach(channel)

		go p.processConfirmations(generation, confirmations)
		go p.processReturns(returns)
		go p.processConnectErrors(generation, closeErrors)

		return nil
	})
}

func (p *producer) Publish(ctx context.Context, delivery Delivery) error {
	destination := tracing.Destination{
		Exchange:   p.exchange(),
		RoutingKey: delivery.RoutingKey,
		MessageID:  delivery.MessageID,
	}
	return p.bridge.Publish(ctx, destination, func(ctx context.Context) error {
		return p.publish(ctx, delivery)
	})
}

func (p *producer) publish(ctx context.Context, delivery Delivery) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	p.bridge.Inject(ctx, headers)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   delivery.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: delivery.CorrelationID,
		MessageId:     delivery.MessageID,
		Timestamp:     p.clock.Now(),
		Type:          delivery.Type,
		AppId:         p.config.AppID,
		Body:          delivery.Body,
	}

	confirmation, err := p.send(ctx, delivery.RoutingKey, msg)
	if err != nil {
		return err
	}

	p.logger.WithFields(logging.Fields{
		"message_id":      delivery.MessageID,
		"routing_key":     delivery.RoutingKey,
		"sequence_number": confirmation.SequenceNumber(),
	}).Debug("message published, awaiting confirmation")

	return p.awaitConfirmation(ctx, confirmation)
}

func (p *producer) send(ctx context.Context, routingKey string, msg amqp.Publishing) (*PendingConfirmation, error) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.channelMu.RLock()
	channel := p.channel
	p.channelMu.RUnlock()
	if channel == nil {
		return nil, errors.WithStack(ErrChannelClosed)
	}

	sequenceNumber := channel.GetNextPublishSeqNo()
	confirmation, err := p.tracker.Track(sequenceNumber)
	if err != nil {
		return nil, err
	}

	err = channel.PublishWithContext(ctx, p.exchange(), routingKey, true, false, msg)
	if err != nil {
		p.tracker.Abandon(sequenceNumber, err)
		if errors.Is(err, amqp.ErrClosed) {
			return nil, errors.Wrap(ErrChannelClosed, err.Error())
		}
		return nil, errors.WithStack(err)
	}
	return confirmation, nil
}

func (p *producer) awaitConfirmation(ctx context.Context, confirmation *PendingConfirmation) error {
	timer := time.NewTimer(p.config.ConfirmTimeout)
	defer timer.Stop()

	select {
	case <-confirmation.Done():
	case <-timer.C:
		p.tracker.Expire(confirmation.SequenceNumber())
		<-confirmation.Done()
	case <-ctx.Done():
		p.tracker.Abandon(confirmation.SequenceNumber(), ctx.Err())
		<-confirmation.Done()
	}
	return errors.WithStack(confirmation.Err())
}

// handleConfirmation drops confirmations of a replaced channel, since
// sequence numbers restart on every channel.
func (p *producer) handleConfirmation(generation uint64, confirmation amqp.Confirmation) {
	p.channelMu.RLock()
	defer p.channelMu.RUnlock()
	if generation != p.generation {
		p.logger.WithFields(logging.Fields{
			"delivery_tag": confirmation.DeliveryTag,
			"ack":          confirmation.Ack,
		}).Debug("dropping confirmation of a replaced channel")
		return
	}

	// The client library already splits multiple confirmations into one
	// notification per delivery tag.
	if confirmation.Ack {
		p.tracker.HandleAck(confirmation.DeliveryTag, false)
		return
	}
	p.tracker.HandleNack(confirmation.DeliveryTag, false)
}

func (p *producer) processConfirmations(generation uint64, confirmations <-chan amqp.Confirmation) {
	for confirmation := range confirmations {
		p.handleConfirmation(generation, confirmation)
	}
}

func (p *producer) processReturns(returns <-chan amqp.Return) {
	for r := range returns {
		p.logger.WithFields(logging.Fields{
			"reply_code":  r.ReplyCode,
			"reply_text":  r.ReplyText,
			"routing_key": r.RoutingKey,
			"message_id":  r.MessageId,
		}).Error(errors.New("message returned by broker"), "unroutable message returned")
	}
}

func (p *producer) attach(channel PublishingChannel) uint64 {
	p.channelMu.Lock()
	defer p.channelMu.Unlock()
	p.generation++
	p.channel = channel
	return p.generation
}

// detach drops the channel of the given generation and fails its in-flight
// publishes. Sequence numbers restart on the next channel.
func (p *producer) detach(generation uint64) {
	p.channelMu.Lock()
	defer p.channelMu.Unlock()
	if generation != p.generation {
		return
	}
	p.generation++
	p.channel = nil
	p.tracker.Reset(ErrChannelClosed)
}

func (p *producer) processConnectErrors(generation uint64, ch chan *amqp.Error) {
	err := <-ch
	p.detach(generation)
	if err == nil {
		return
	}

	p.logger.Error(err, "AMQP channel error, trying to reconnect")
	for {
		if p.conn.IsClosed() {
			p.logger.Info("AMQP connection is closed, channel will be restored with it")
			return
		}
		err := p.Connect(p.conn)
		if err == nil {
			p.logger.Info("AMQP channel restored")
			return
		}
		p.logger.Error(err, "failed to reconnect to AMQP channel")
		time.Sleep(channelRestoreDelay)
	}
}

func (p *producer) exchange() string {
	if p.config.Exchange != nil {
		return p.config.Exchange.Name
	}
	return ""
}
