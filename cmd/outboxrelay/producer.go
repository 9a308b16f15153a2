package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/forecast"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/amqp"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/api"
	forecastinfra "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/forecast"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/outbox"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func newProducerCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Serve the forecast API and relay the outbox to RabbitMQ",
		RunE: func(*cobra.Command, []string) error {
			return runWithApp(*cfgFile, runProducer)
		},
	}
}

func runProducer(ctx context.Context, a *app) error {
	client, err := a.openDatabase()
	if err != nil {
		return err
	}
	bridge, err := a.tracingBridge()
	if err != nil {
		return err
	}

	conn := a.amqpConnection(bridge)
	producer := conn.Producer(amqp.ProducerConfig{
		AppID:          a.cfg.AMQP.AppID,
		ConfirmTimeout: a.cfg.Publisher.ConfirmTimeout,
		Queue:          &amqp.QueueConfig{Name: a.cfg.Publisher.QueueName, Durable: true},
	})
	if err = conn.Start(); err != nil {
		return err
	}

	utcClock := clock.NewUTCClock()
	dispatcher := outbox.NewDispatcher(
		outbox.DispatcherConfig{
			AppID:     a.cfg.AMQP.AppID,
			BatchSize: a.cfg.Outbox.BatchSize,
			Period:    a.cfg.Publisher.Period,
		},
		outbox.NewUnitOfWork(client, utcClock),
		newRegistry(),
		amqp.NewOutboxTransport(producer, a.cfg.Publisher.QueueName, contentTypeJSON),
		a.logger.WithField("component", "dispatcher"),
	)

	service := forecast.NewService(
		forecastinfra.NewUnitOfWork(client, utcClock),
		forecast.NewGenerator(utcClock, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))),
	)
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              a.cfg.HTTP.Address,
		Handler:           api.NewRouter(service, a.logger.WithField("component", "api")),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.WithField("address", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithStack(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.WithStack(server.Shutdown(shutdownCtx))
	})
	g.Go(func() error {
		return dispatcher.Start(gctx)
	})
	return g.Wait()
}
