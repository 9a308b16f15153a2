package amqp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	liberr "gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/errors"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"
)

type Connection interface {
	Start() error
	Stop() error
	AddChannel(channel Channel)

	Producer(config ProducerConfig) Producer
	Consumer(ctx context.Context, handler Handler, config ConsumerConfig) Consumer
}

type Channel interface {
	Connect(conn *amqp.Connection) error
}

type managedChannel interface {
	IsClosed() bool
	Close() error
}

// prepareChannel runs setup on a freshly opened channel and closes the
// channel when setup fails.
func prepareChannel(channel managedChannel, setup func() error) (err error) {
	defer func() {
		if err != nil && !channel.IsClosed() {
			err = liberr.Join(err, channel.Close())
		}
	}()
	if channel.IsClosed() {
		return errors.WithStack(ErrChannelClosed)
	}
	return setup()
}

func NewAMQPConnection(
	appID string,
	config *ConnectionConfig,
	bridge *tracing.Bridge,
	logger logging.Logger,
) Connection {
	return &connection{
		appID:     appID,
		config:    config,
		bridge:    bridge,
		logger:    logger,
		channelMu: &sync.Mutex{},
	}
}

type connection struct {
	appID  string
	config *ConnectionConfig
	bridge *tracing.Bridge
	logger logging.Logger

	conn      *amqp.Connection
	stopped   atomic.Bool
	channelMu *sync.Mutex
	channels  []Channel
}

func (c *connection) Start() error {
	err := backoff.Retry(func() error {
		connection, cErr := amqp.DialConfig(c.url(), amqp.Config{
			Properties: amqp.Table{"connection_name": c.appID},
		})
		c.conn = connection
		return cErr
	}, newBackOff(c.config.ConnectTimeout))
	if err != nil {
		return errors.WithStack(err)
	}

	if err = c.validateConnection(c.conn); err != nil {
		return err
	}

	err = func() error {
		c.channelMu.Lock()
		defer c.channelMu.Unlock()

		for _, channel := range c.channels {
			if err = channel.Connect(c.conn); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}

	connErrorChan := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.processConnectErrors(connErrorChan)

	return nil
}

func (c *connection) Stop() error {
	c.stopped.Store(true)
	if c.conn == nil {
		return nil
	}
	return errors.WithStack(c.conn.Close())
}

func (c *connection) AddChannel(channel Channel) {
	c.channelMu.Lock()
	c.channels = append(c.channels, channel)
	c.channelMu.Unlock()
}

func (c *connection) Producer(config ProducerConfig) Producer {
	if config.AppID == "" {
		config.AppID = c.appID
	}
	producer := NewProducer(config, c.bridge, clock.NewUTCClock(), c.logger.WithField("channel", "producer"))
	c.AddChannel(producer)
	return producer
}

func (c *connection) Consumer(ctx context.Context, handler Handler, config ConsumerConfig) Consumer {
	consumer := NewConsumer(ctx, handler, config, c.bridge, c.logger.WithField("channel", "consumer"))
	c.AddChannel(consumer)
	return consumer
}

func (c *connection) url() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s/%s",
		url.QueryEscape(c.config.User),
		url.QueryEscape(c.config.Password),
		c.config.Host,
		url.PathEscape(c.config.VHost),
	)
}

func (c *connection) validateConnection(conn *amqp.Connection) error {
	if conn == nil {
		return errors.New("amqp connection is empty")
	}
	if conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	return nil
}

func (c *connection) processConnectErrors(ch chan *amqp.Error) {
	err := <-ch
	if err == nil || c.stopped.Load() {
		return
	}

	c.logger.Error(err, "AMQP connection error, trying to reconnect")
	for !c.stopped.Load() {
		err := c.Start()
		if err == nil {
			c.logger.Info("AMQP connection restored")
			return
		}
		c.logger.Error(err, "failed to reconnect to AMQP")
	}
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	const defaultTimeout = 60 * time.Second
	if timeout != 0 {
		exponentialBackOff.MaxElapsedTime = timeout
	} else {
		exponentialBackOff.MaxElapsedTime = defaultTimeout
	}
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}
