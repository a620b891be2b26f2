package shared

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerAdapter interface {
	Error(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Trace(msg string, fields ...zap.Field)
	With(fields ...zap.Field) LoggerAdapter
	Sync() error
}

type zapLogger struct {
	logger *zap.Logger
	trace  bool
}

var _ LoggerAdapter = (*zapLogger)(nil)

func (l *zapLogger) Error(msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.logger.Error(msg, fields...)
}

func (l *zapLogger) Warn(msg string, fields ...zap.Field) {
	l.logger.Warn(msg, fields...)
}

func (l *zapLogger) Info(msg string, fields ...zap.Field) {
	l.logger.Info(msg, fields...)
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
}

// Trace is for per-frame and per-event chatter; it is dropped unless enabled.
func (l *zapLogger) Trace(msg string, fields ...zap.Field) {
	if !l.trace {
		return
	}
	l.logger.Debug(msg, fields...)
}

func (l *zapLogger) With(fields ...zap.Field) LoggerAdapter {
	return &zapLogger{logger: l.logger.With(fields...), trace: l.trace}
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}

func NewStdLogger(level string, trace bool) LoggerAdapter {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &zapLogger{logger: logger, trace: trace}
}

func NewFileLogger(cfg LogConfig) LoggerAdapter {
	hook := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	level := zapcore.InfoLevel
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level = lvl
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(hook),
		level,
	)
	return &zapLogger{logger: zap.New(core, zap.AddCallerSkip(1)), trace: cfg.Trace}
}

// NewLogger picks the file logger when a file is configured.
func NewLogger(cfg LogConfig) LoggerAdapter {
	if cfg.File != "" {
		return NewFileLogger(cfg)
	}
	return NewStdLogger(cfg.Level, cfg.Trace)
}

// NewNopLogger is used by tests and by callers that do not care.
func NewNopLogger() LoggerAdapter {
	return &zapLogger{logger: zap.NewNop()}
}
