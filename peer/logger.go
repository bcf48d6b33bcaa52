package peer

import (
	"fmt"

	"github.com/edaniels/golog"
	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WebRTCLoggerFactory routes pion's internal logging into a golog.Logger,
// one named sublogger per pion scope. Pion reports routine negotiation
// progress at info, so that is demoted to debug. Trace output is dropped
// unless Trace is set.
type WebRTCLoggerFactory struct {
	Logger golog.Logger
	Trace  bool
}

// NewLogger returns a logger for one pion scope such as "ice" or "dtls".
func (lf WebRTCLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{
		logger: lf.Logger.Desugar().Named(scope).WithOptions(zap.AddCallerSkip(2)),
		trace:  lf.Trace,
	}
}

type pionLogger struct {
	logger *zap.Logger
	trace  bool
}

func (l pionLogger) log(level zapcore.Level, msg string) {
	if ce := l.logger.Check(level, msg); ce != nil {
		ce.Write()
	}
}

func (l pionLogger) logf(level zapcore.Level, format string, args ...interface{}) {
	if !l.logger.Core().Enabled(level) {
		return
	}
	l.log(level, fmt.Sprintf(format, args...))
}

func (l pionLogger) Trace(msg string) {
	if l.trace {
		l.log(zapcore.DebugLevel, msg)
	}
}

func (l pionLogger) Tracef(format string, args ...interface{}) {
	if l.trace {
		l.logf(zapcore.DebugLevel, format, args...)
	}
}

func (l pionLogger) Debug(msg string) { l.log(zapcore.DebugLevel, msg) }

func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.logf(zapcore.DebugLevel, format, args...)
}

func (l pionLogger) Info(msg string) { l.log(zapcore.DebugLevel, msg) }

func (l pionLogger) Infof(format string, args ...interface{}) {
	l.logf(zapcore.DebugLevel, format, args...)
}

func (l pionLogger) Warn(msg string) { l.log(zapcore.WarnLevel, msg) }

func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.logf(zapcore.WarnLevel, format, args...)
}

func (l pionLogger) Error(msg string) { l.log(zapcore.ErrorLevel, msg) }

func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.logf(zapcore.ErrorLevel, format, args...)
}
