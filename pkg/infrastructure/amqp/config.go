package amqp

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ConnectionConfig struct {
	User           string
	Password       string
	Host           string
	VHost          string
	ConnectTimeout time.Duration
}

type ExchangeConfig struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

type QueueConfig struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

type QoSConfig struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

type BindConfig struct {
	QueueName    string
	ExchangeName string
	RoutingKeys  []string
	NoWait       bool
	Args         amqp.Table
}

// declarer is the topology part of *amqp.Channel.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

func declareTopology(channel declarer, exchange *ExchangeConfig, queue *QueueConfig, bind *BindConfig) error {
	if exchange != nil {
		if err := exchangeDeclare(*exchange, channel); err != nil {
			return err
		}
	}
	if queue != nil {
		if err := queueDeclare(*queue, channel); err != nil {
			return err
		}
	}
	if bind != nil {
		if err := bindDeclare(*bind, channel); err != nil {
			return err
		}
	}
	return nil
}

func exchangeDeclare(config ExchangeConfig, channel declarer) error {
	return channel.ExchangeDeclare(
		config.Name,
		config.Kind,
		config.Durable,
		config.AutoDelete,
		config.Internal,
		config.NoWait,
		config.Args,
	)
}

func queueDeclare(config QueueConfig, channel declarer) error {
	_, err := channel.QueueDeclare(
		config.Name,
		config.Durable,
		config.AutoDelete,
		config.Exclusive,
		config.NoWait,
		config.Args,
	)
	return err
}

func bindDeclare(config BindConfig, channel declarer) error {
	for _, routingKey := range config.RoutingKeys {
		err := channel.QueueBind(config.QueueName, routingKey, config.ExchangeName, config.NoWait, config.Args)
		if err != nil {
			return err
		}
	}
	return nil
}

func qosDeclare(config QoSConfig, channel declarer) error {
	return channel.Qos(config.PrefetchCount, config.PrefetchSize, config.Global)
}
