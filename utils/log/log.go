// Package log wraps the process-wide zap logger behind printf-style helpers.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(logger)
}

func SetLevel(level Level) {
	switch level {
	case DEBUG:
		atomicLevel.SetLevel(zapcore.DebugLevel)
	case INFO:
		atomicLevel.SetLevel(zapcore.InfoLevel)
	case WARNING:
		atomicLevel.SetLevel(zapcore.WarnLevel)
	case ERROR:
		atomicLevel.SetLevel(zapcore.ErrorLevel)
	case FATAL:
		atomicLevel.SetLevel(zapcore.FatalLevel)
	}
}

func Debug(format string, args ...interface{}) {
	zap.S().Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	zap.S().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	zap.S().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	zap.S().Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	zap.S().Fatalf(format, args...)
}
