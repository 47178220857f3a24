// Package logger builds the zap loggers used by every cuerelay component.
package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Format string

const (
	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

// Component names used as logger names.
const (
	ComponentEngine    = "engine"
	ComponentCascade   = "cascade"
	ComponentArbiter   = "arbiter"
	ComponentEffects   = "effects"
	ComponentAudio     = "audio"
	ComponentIndicator = "indicator"
	ComponentStore     = "store"
	ComponentRelay     = "relay"
	ComponentTelemetry = "telemetry"
	ComponentSpeech    = "speech"
)

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func parseFormat(format string) Format {
	switch Format(strings.ToUpper(strings.TrimSpace(format))) {
	case FormatJSON:
		return FormatJSON
	default:
		return FormatConsole
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a logger. LOGGING_LEVEL and LOGGING_FORMAT override the
// arguments when set.
func New(level, format string) *zap.Logger {
	if v := os.Getenv("LOGGING_LEVEL"); v != "" {
		level = v
	}
	if v := os.Getenv("LOGGING_FORMAT"); v != "" {
		format = v
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if parseFormat(format) == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// Install replaces the zap globals so For can hand out named children.
func Install(l *zap.Logger) {
	zap.ReplaceGlobals(l)
}

// For returns a sugared logger named after a component.
func For(component string) *zap.SugaredLogger {
	return zap.L().Named(component).Sugar()
}

// Nop is used by tests and by constructors given no logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
