package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger and accepts alternating key/value pairs
type Logger struct {
	*zap.Logger
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// New creates a logger. Format "json" selects the production encoder,
// anything else the console encoder.
func New(cfg LogConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
		encoderConfig = zap.NewProductionEncoderConfig()
		zcfg.Encoding = "json"
	} else {
		zcfg = zap.NewDevelopmentConfig()
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		zcfg.Encoding = "console"
	}

	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	zcfg.EncoderConfig = encoderConfig
	zcfg.Level = zap.NewAtomicLevelAt(level)

	switch cfg.Output {
	case "", "stdout":
		zcfg.OutputPaths = []string{"stdout"}
	case "stderr":
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
	default:
		zcfg.OutputPaths = []string{cfg.Output}
		zcfg.ErrorOutputPaths = []string{cfg.Output}
	}

	zl, err := zcfg.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{zl}, nil
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{l.Logger.With(convertFields(kv...)...)}
}

// Named returns a child logger for a component
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.Logger.Info(msg, convertFields(kv...)...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.Logger.Error(msg, convertFields(kv...)...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.Logger.Warn(msg, convertFields(kv...)...)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.Logger.Debug(msg, convertFields(kv...)...)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.Logger.Fatal(msg, convertFields(kv...)...)
}

// convertFields turns alternating key/value pairs into zap fields.
// Errors are encoded with zap.NamedError; a dangling key is kept with a
// nil value so it still shows up in the output.
func convertFields(kv ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			fields = append(fields, zap.Any(key, nil))
			break
		}
		switch v := kv[i+1].(type) {
		case error:
			fields = append(fields, zap.NamedError(key, v))
		case zap.Field:
			fields = append(fields, v)
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}
	return fields
}

// NewNopLogger creates a no-op logger for testing
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop()}
}
