package logging

type Fields map[string]interface{}

type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger

	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(err error, args ...interface{})
	Error(err error, args ...interface{})
}

// MainLogger is owned by the process entry point.
type MainLogger interface {
	Logger
	FatalError(err error, args ...interface{})
}
