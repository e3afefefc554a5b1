package core

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// ProductionLogger implements Logger on top of zap.
//
// Error logs are rate limited so a collector outage cannot flood the host
// application's output. Each component derived with WithComponent shares the
// same limiter.
type ProductionLogger struct {
	zl           *zap.Logger
	component    string
	errorLimiter *rate.Limiter
}

// NewProductionLogger builds a zap-backed logger from LoggingConfig.
func NewProductionLogger(cfg LoggingConfig) (*ProductionLogger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, ErrInvalidConfiguration)
	}

	development := cfg.Format == "console"
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       development,
		Encoding:          encodingFormat(development),
		EncoderConfig:     encoderConfig(development),
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return NewLoggerFromZap(zl), nil
}

// NewLoggerFromZap wraps an existing zap logger, e.g. zaptest or zap.NewNop.
func NewLoggerFromZap(zl *zap.Logger) *ProductionLogger {
	return &ProductionLogger{
		zl:           zl,
		component:    "rumagent",
		errorLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// WithComponent returns a logger whose entries carry component=name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		zl:           l.zl,
		component:    component,
		errorLimiter: l.errorLimiter,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.zl.Info(msg, l.zapFields(fields)...)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.zl.Warn(msg, l.zapFields(fields)...)
}

// Error logs error messages with rate limiting
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if !l.errorLimiter.Allow() {
		return
	}
	l.zl.Error(msg, l.zapFields(fields)...)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.zl.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.zl.Debug(msg, l.zapFields(fields)...)
}

// Sync flushes buffered entries.
func (l *ProductionLogger) Sync() error {
	return l.zl.Sync()
}

func (l *ProductionLogger) zapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("component", l.component))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// parseLevel converts string level to zapcore.Level.
func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

func encodingFormat(development bool) string {
	if development {
		return "console"
	}
	return "json"
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	}

	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
