package lrsrpc

import "github.com/rs/zerolog"

// LogLevel represents the severity of a metadata frame in the lrs_rpc protocol.
type LogLevel string

const (
	// LogException is the most severe level; a frame at this level is a
	// remote error frame and terminates the session.
	LogException LogLevel = "EXCEPTION"
	// LogError indicates a recoverable error condition on the remote side.
	LogError LogLevel = "ERROR"
	// LogWarn indicates a warning that may require attention.
	LogWarn LogLevel = "WARN"
	// LogInfo indicates a normal informational message.
	LogInfo LogLevel = "INFO"
	// LogDebug indicates a verbose diagnostic message.
	LogDebug LogLevel = "DEBUG"
	// LogTrace is the least severe level, used for fine-grained tracing.
	LogTrace LogLevel = "TRACE"
)

// LogMessage is a decoded metadata frame payload.
type LogMessage struct {
	Level   LogLevel
	Message string
	Extra   string // raw lrs_rpc.log_extra JSON, empty if absent
}

// zerologLevel maps a protocol log level onto the local logger's scale.
func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogException, LogError:
		return zerolog.ErrorLevel
	case LogWarn:
		return zerolog.WarnLevel
	case LogInfo:
		return zerolog.InfoLevel
	case LogDebug:
		return zerolog.DebugLevel
	case LogTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
