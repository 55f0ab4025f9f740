// Package logger wires zap for the bridge and defines the field
// vocabulary shared by every component: entity, batch, stage, component.
// Using the constructors below keeps the key names consistent across
// the pipeline so downstream log queries can join on them.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	once   sync.Once
)

// Config controls the process-wide logger built by Init.
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init builds the global logger. Only the first call takes effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		global, err = build(cfg)
	})
	return err
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	enc := zapcore.EncoderConfig{
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
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	log, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    enc,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.Development {
		log = log.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return log, nil
}

// Get returns the global logger, initializing a json/info one if Init
// was never called.
func Get() *zap.Logger {
	if global == nil {
		if err := Init(Config{Level: "info", Encoding: "json"}); err != nil {
			log, _ := zap.NewProduction()
			global = log
		}
	}
	return global
}

// Info logs through the global logger.
func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

// Error logs through the global logger.
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}

// Component tags log lines with the pipeline component that emitted them
// (normalize, identity, delta, resolver, scheduler).
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// Entity tags log lines with the configured entity they concern.
func Entity(name string) zap.Field {
	return zap.String("entity", name)
}

// Batch tags log lines with the sync batch they belong to.
func Batch(id string) zap.Field {
	return zap.String("batch_id", id)
}

// Stage tags log lines with the pipeline stage a record failed in.
func Stage(s string) zap.Field {
	return zap.String("stage", s)
}
