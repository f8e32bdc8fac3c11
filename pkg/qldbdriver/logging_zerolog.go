package qldbdriver

import "github.com/rs/zerolog"

// zerologLogger adapts the package's Logger interface onto a
// github.com/rs/zerolog.Logger, following the field-attachment style of
// swearjar's internal/platform/logger package: one event per call, each
// key/value pair attached as an event field rather than Sprintf formatting.
type zerologLogger struct {
	log   zerolog.Logger
	level LogLevel
}

// NewZerologLogger wraps an existing zerolog.Logger for use as the driver's
// Logger. level caps how verbose the driver's own calls are; it is
// independent of zerolog's own level filtering on log.
func NewZerologLogger(log zerolog.Logger, level LogLevel) Logger {
	return &zerologLogger{log: log, level: level}
}

func (z *zerologLogger) Level() LogLevel { return z.level }

func (z *zerologLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	var evt *zerolog.Event
	switch level {
	case LogLevelError:
		evt = z.log.Error()
	case LogLevelWarn:
		evt = z.log.Warn()
	case LogLevelInfo:
		evt = z.log.Info()
	default:
		evt = z.log.Debug()
	}

	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		evt = evt.Interface(key, keyvals[i+1])
	}
	evt.Msg(msg)
}
