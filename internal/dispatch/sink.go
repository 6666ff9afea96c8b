package dispatch

import (
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerSink writes handler output to the process logger.
type LoggerSink struct {
	logger zerolog.Logger
}

func NewLoggerSink() *LoggerSink {
	return &LoggerSink{logger: log.Logger.With().Str("component", "script").Logger()}
}

func (s *LoggerSink) Log(level, message string) {
	s.logger.WithLevel(LogLevel(level)).Msg(message)
}

func (s *LoggerSink) ErrorLog(rec protocol.ErrorRecord) {
	s.logger.Error().Str("code", rec.Code).Str("stack", rec.Stack).Msg(rec.Message)
}

func (s *LoggerSink) PlayFabLog(rec protocol.PlayFabLogRecord) {
	event := s.logger.WithLevel(LogLevel(rec.Level)).Str("source", "playfab")
	if len(rec.Data) > 0 {
		event = event.RawJSON("data", rec.Data)
	}
	if rec.Stack != "" {
		event = event.Str("stack", rec.Stack)
	}
	event.Msg(rec.Message)
}

// LogLevel maps a script log level name to a logger level. Unknown names
// log at info.
func LogLevel(level string) zerolog.Level {
	switch level {
	case "debug", "Debug":
		return zerolog.DebugLevel
	case "warn", "Warn", "warning":
		return zerolog.WarnLevel
	case "error", "Error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
