package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "OUTBOXRELAY"

type Config struct {
	Database  Database  `mapstructure:"database"`
	AMQP      AMQP      `mapstructure:"amqp"`
	Publisher Publisher `mapstructure:"publisher"`
	Outbox    Outbox    `mapstructure:"outbox"`
	Consumer  Consumer  `mapstructure:"consumer"`
	HTTP      HTTP      `mapstructure:"http"`
	Log       Log       `mapstructure:"log"`
	Tracing   Tracing   `mapstructure:"tracing"`
}

type Database struct {
	Driver                string        `mapstructure:"driver"`
	DSN                   string        `mapstructure:"dsn"`
	MaxConnections        int           `mapstructure:"max_connections"`
	ConnectionMaxLifetime time.Duration `mapstructure:"connection_max_lifetime"`
	ConnectionMaxIdleTime time.Duration `mapstructure:"connection_max_idle_time"`
}

type AMQP struct {
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Host           string        `mapstructure:"host"`
	VHost          string        `mapstructure:"vhost"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AppID          string        `mapstructure:"app_id"`
}

type Publisher struct {
	Period         time.Duration `mapstructure:"period"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	QueueName      string        `mapstructure:"queue_name"`
}

type Outbox struct {
	BatchSize int `mapstructure:"batch_size"`
}

type Consumer struct {
	QueueName     string `mapstructure:"queue_name"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	ContentType   string `mapstructure:"content_type"`
}

type HTTP struct {
	Address string `mapstructure:"address"`
}

type Log struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	AppName string `mapstructure:"app_name"`
}

type Tracing struct {
	Exporter    string `mapstructure:"exporter"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads cfgFile, or config.yaml from the usual locations when cfgFile
// is empty, and applies OUTBOXRELAY_* environment overrides on top.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/outboxrelay")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return Config{}, errors.WithStack(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.WithStack(err)
	}
	return cfg, cfg.validate()
}

// setDefaults also registers every key, so AutomaticEnv can override keys
// missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.connection_max_lifetime", "30m")
	v.SetDefault("database.connection_max_idle_time", "5m")
	v.SetDefault("amqp.user", "guest")
	v.SetDefault("amqp.password", "guest")
	v.SetDefault("amqp.host", "localhost:5672")
	v.SetDefault("amqp.vhost", "")
	v.SetDefault("amqp.connect_timeout", "30s")
	v.SetDefault("amqp.app_id", "outboxrelay")
	v.SetDefault("publisher.period", "60s")
	v.SetDefault("publisher.confirm_timeout", "30s")
	v.SetDefault("publisher.queue_name", "weather")
	v.SetDefault("outbox.batch_size", 2)
	v.SetDefault("consumer.queue_name", "weather")
	v.SetDefault("consumer.prefetch_count", 10)
	v.SetDefault("consumer.content_type", "application/json")
	v.SetDefault("http.address", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.app_name", "outboxrelay")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.service_name", "outboxrelay")
}

func (c Config) validate() error {
	switch {
	case c.Outbox.BatchSize <= 0:
		return errors.New("outbox.batch_size must be positive")
	case c.Publisher.Period <= 0:
		return errors.New("publisher.period must be positive")
	case c.Publisher.ConfirmTimeout <= 0:
		return errors.New("publisher.confirm_timeout must be positive")
	case c.Consumer.PrefetchCount < 0:
		return errors.New("consumer.prefetch_count must not be negative")
	}
	return nil
}
