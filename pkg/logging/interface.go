package logging

import (
	"fmt"
	"sort"
)

// Interface decouples the training agent from the concrete logging backend.
// The zap backend is used in production, logrus backs the test logger.
type Interface interface {
	WithField(key string, value interface{}) Interface
	WithError(err error) Interface

	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Fatal(msg string)

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// WithFields attaches every entry of fields to the logger in key order,
// so repeated calls produce identical structured output.
func WithFields(log Interface, fields map[string]interface{}) Interface {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		log = log.WithField(k, fields[k])
	}
	return log
}

func fmtMsg(format string, args []interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
