package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityDefault = 0 // No flags: configured level
	VerbosityInfo    = 1 // -v
	VerbosityDebug   = 2 // -vv
)

// VerbosityToLevel maps verbosity flags (-v, -vv) onto a base level.
// Verbosity only ever lowers the threshold.
//
//	0 (none) -> base
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int, base zapcore.Level) zapcore.Level {
	var level zapcore.Level
	switch {
	case verbosity <= VerbosityDefault:
		return base
	case verbosity == VerbosityInfo:
		level = zapcore.InfoLevel
	default:
		level = zapcore.DebugLevel
	}
	if level < base {
		return level
	}
	return base
}
