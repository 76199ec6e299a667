package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI -v flag counts.
const (
	VerbosityQuiet = 0 // no flags: warnings and errors only
	VerbosityInfo  = 1 // -v: informational messages
	VerbosityDebug = 2 // -vv: debug messages
)

// VerbosityToLevel maps a -v flag count to a zap level.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch verbosity {
	case VerbosityQuiet:
		return zapcore.WarnLevel
	case VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
