package main

import (
	"context"

	"github.com/spf13/cobra"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/forecast"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/amqp"
)

func newConsumerCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Consume forecast batches from RabbitMQ",
		RunE: func(*cobra.Command, []string) error {
			return runWithApp(*cfgFile, runConsumer)
		},
	}
}

func runConsumer(ctx context.Context, a *app) error {
	bridge, err := a.tracingBridge()
	if err != nil {
		return err
	}

	conn := a.amqpConnection(bridge)
	logger := a.logger.WithField("component", "consumer")
	registry := newRegistry()
	consumer := conn.Consumer(
		ctx,
		amqp.NewEventHandler(registry, forecast.NewBatchHandler(logger)),
		amqp.ConsumerConfig{
			Queue:       &amqp.QueueConfig{Name: a.cfg.Consumer.QueueName, Durable: true},
			QoS:         amqp.QoSConfig{PrefetchCount: a.cfg.Consumer.PrefetchCount},
			ContentType: a.cfg.Consumer.ContentType,
		},
	)
	if err = conn.Start(); err != nil {
		return err
	}
	logger.WithFields(logging.Fields{
		"queue": a.cfg.Consumer.QueueName,
		"types": registry.Types(),
	}).Info("consuming")

	select {
	case <-ctx.Done():
		return nil
	case err = <-consumer.Errors():
		return err
	}
}
