package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: warnings and errors
	VerbosityInfo  = 1 // -v: + lifecycle and per-job outcomes
	VerbosityDebug = 2 // -vv: + per-recipient dispatch and SQL-level detail
)

// VerbosityToLevel maps verbosity flags (-v, -vv, ...) to zap log levels.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
