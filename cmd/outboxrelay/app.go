package main

import (
	"context"
	"time"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/forecast"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/io"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/amqp"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/config"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
	liblogging "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/tracing"
)

const (
	contentTypeJSON       = "application/json"
	tracerShutdownTimeout = 5 * time.Second
)

type app struct {
	io.MultiCloser

	cfg    config.Config
	logger logging.MainLogger
}

func newApp(cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := liblogging.NewLogger(&liblogging.Config{
		AppName: cfg.Log.AppName,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		MultiCloser: io.NewMultiCloser(),
		cfg:         cfg,
		logger:      logger,
	}, nil
}

func (a *app) openDatabase() (database.TransactionalClient, error) {
	dialect, err := database.ParseDialect(a.cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	connector := database.NewConnector()
	err = connector.Open(database.Config{
		Dialect:               dialect,
		DSN:                   a.cfg.Database.DSN,
		MaxConnections:        a.cfg.Database.MaxConnections,
		ConnectionMaxLifeTime: a.cfg.Database.ConnectionMaxLifetime,
		ConnectionMaxIdleTime: a.cfg.Database.ConnectionMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}
	a.AddCloser(connector)
	return connector.TransactionalClient(), nil
}

func (a *app) tracingBridge() (*tracing.Bridge, error) {
	provider, shutdown, err := tracing.NewProvider(tracing.Config{
		Exporter:    a.cfg.Tracing.Exporter,
		ServiceName: a.cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	a.AddFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		return shutdown(ctx)
	})
	return tracing.NewBridge(provider), nil
}

func (a *app) amqpConnection(bridge *tracing.Bridge) amqp.Connection {
	conn := amqp.NewAMQPConnection(a.cfg.AMQP.AppID, &amqp.ConnectionConfig{
		User:           a.cfg.AMQP.User,
		Password:       a.cfg.AMQP.Password,
		Host:           a.cfg.AMQP.Host,
		VHost:          a.cfg.AMQP.VHost,
		ConnectTimeout: a.cfg.AMQP.ConnectTimeout,
	}, bridge, a.logger.WithField("component", "amqp"))
	a.AddFunc(conn.Stop)
	return conn
}

func newRegistry() *outbox.Registry {
	registry := outbox.NewRegistry()
	outbox.Register[forecast.Batch](registry)
	return registry
}
