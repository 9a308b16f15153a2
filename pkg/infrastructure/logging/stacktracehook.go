package logging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	stackKey = "stack"
	causeKey = "cause"
)

// NewStackTraceHook flattens the error of warning and error entries into
// plain fields: the message, the root cause when it differs, and the
// pkg/errors stack trace recorded closest to the caller.
func NewStackTraceHook() logrus.Hook {
	return errorFieldsHook{}
}

type errorFieldsHook struct{}

func (errorFieldsHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (errorFieldsHook) Fire(entry *logrus.Entry) error {
	raw, found := entry.Data[logrus.ErrorKey]
	if !found {
		return nil
	}
	err, isError := raw.(error)
	if !isError {
		return nil
	}
	if err == nil {
		delete(entry.Data, logrus.ErrorKey)
		return nil
	}

	entry.Data[logrus.ErrorKey] = err.Error()
	if cause := errors.Cause(err); cause != nil && cause.Error() != err.Error() {
		entry.Data[causeKey] = cause.Error()
	}

	var traced interface{ StackTrace() errors.StackTrace }
	if errors.As(err, &traced) {
		entry.Data[stackKey] = strings.TrimSpace(fmt.Sprintf("%+v", traced.StackTrace()))
	}
	return nil
}
