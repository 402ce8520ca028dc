package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologFactory routes pion's internal logs into the global zerolog logger
type zerologFactory struct{}

func NewLoggerFactory() logging.LoggerFactory {
	return zerologFactory{}
}

func (zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLogger{logger: log.With().Str("service", "pion").Str("scope", scope).Logger()}
}

type zerologLogger struct {
	logger zerolog.Logger
}

func (l *zerologLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *zerologLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *zerologLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Info(msg string) { l.logger.Info().Msg(msg) }
func (l *zerologLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l *zerologLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *zerologLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}
