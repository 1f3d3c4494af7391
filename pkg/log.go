package pkg

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debugf(format string, a ...any)
	Infof(format string, a ...any)
	Warnf(format string, a ...any)
	Errorf(format string, a ...any)
}

type LogLevel = zapcore.Level

const (
	LogLevelDebug = zapcore.DebugLevel
	LogLevelInfo  = zapcore.InfoLevel
	LogLevelWarn  = zapcore.WarnLevel
	LogLevelError = zapcore.ErrorLevel
)

var NopLogger Logger = zap.NewNop().Sugar()

var (
	DefaultLogger = NewZapLogger(LogLevelInfo)
	DebugLogger   = NewZapLogger(LogLevelDebug)
)

// NewZapLogger builds a console logger writing to stderr at the given level.
func NewZapLogger(level LogLevel) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	l, err := cfg.Build()
	if err != nil {
		return NopLogger
	}
	return l.Sugar()
}

// WrapZap adapts an existing zap logger, e.g. one shared with the host application.
func WrapZap(l *zap.Logger) Logger {
	if l == nil {
		return NopLogger
	}
	return l.Sugar()
}

// ParseLogLevel maps "debug", "info", "warn" and "error" to a level, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return LogLevelInfo
	}
	return level
}
