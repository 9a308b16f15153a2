package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
)

const appNameKey = "app_name"

const (
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	AppName string
	Level   string
	Format  string
	Output  io.Writer
}

func NewLogger(config *Config) (logging.MainLogger, error) {
	impl := logrus.New()

	switch strings.ToLower(config.Format) {
	case "", FormatJSON:
		impl.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        fieldMap,
		})
	case FormatText:
		impl.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		})
	default:
		return nil, errors.Errorf("unknown log format %q", config.Format)
	}

	level := logrus.InfoLevel
	if config.Level != "" {
		var err error
		level, err = logrus.ParseLevel(config.Level)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	impl.SetLevel(level)

	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	impl.SetOutput(output)
	impl.AddHook(NewStackTraceHook())

	return Wrap(impl, config.AppName), nil
}

// Wrap adapts an existing logrus logger, e.g. the null logger in tests.
func Wrap(impl *logrus.Logger, appName string) logging.MainLogger {
	return &loggerImpl{
		FieldLogger: impl.WithField(appNameKey, appName),
	}
}

type loggerImpl struct {
	logrus.FieldLogger
}

func (l *loggerImpl) WithField(key string, value interface{}) logging.Logger {
	return &loggerImpl{l.FieldLogger.WithField(key, value)}
}

func (l *loggerImpl) WithFields(fields logging.Fields) logging.Logger {
	return &loggerImpl{l.FieldLogger.WithFields(logrus.Fields(fields))}
}

func (l *loggerImpl) Error(err error, args ...interface{}) {
	l.FieldLogger.WithError(err).Error(args...)
}

func (l *loggerImpl) Warning(err error, args ...interface{}) {
	if err == nil {
		l.FieldLogger.Warn(args...)
		return
	}
	l.FieldLogger.WithError(err).Warn(args...)
}

func (l *loggerImpl) FatalError(err error, args ...interface{}) {
	l.FieldLogger.WithError(err).Fatal(args...)
}

var fieldMap = logrus.FieldMap{
	logrus.FieldKeyTime: "@timestamp",
	logrus.FieldKeyMsg:  "message",
}
