package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field type
type Field = zapcore.Field

// Level type
type Level = zapcore.Level

const (
	// DebugLevel level
	DebugLevel Level = zapcore.DebugLevel
	// InfoLevel level
	InfoLevel Level = zapcore.InfoLevel
	// WarnLevel level
	WarnLevel Level = zapcore.WarnLevel
	// ErrorLevel level
	ErrorLevel Level = zapcore.ErrorLevel
	// FatalLevel level
	FatalLevel Level = zapcore.FatalLevel
)

// Logger interface
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	Named(name string) Logger
	Sync() error
}

// Config defines logger configuration
type Config struct {
	Level        string `json:"level" yaml:"level"`
	Encoding     string `json:"encoding" yaml:"encoding"`
	OutputPaths  []string `json:"outputPaths" yaml:"outputPaths"`
	ErrorPaths   []string `json:"errorPaths" yaml:"errorPaths"`
	MaxSize      int      `json:"maxSize" yaml:"maxSize"`         // MB
	MaxBackups   int      `json:"maxBackups" yaml:"maxBackups"`
	MaxAge       int      `json:"maxAge" yaml:"maxAge"`           // days
	Compress     bool     `json:"compress" yaml:"compress"`
	Development  bool     `json:"development" yaml:"development"`
	InitialFields map[string]interface{} `json:"initialFields" yaml:"initialFields"`
}

type logger struct {
	zap *zap.Logger
}

// Option defines logger option function
type Option func(*Config)

// WithLevel sets logger level
func WithLevel(level string) Option {
	return func(c *Config) {
		c.Level = level
	}
}

// WithEncoding sets logger encoding
func WithEncoding(encoding string) Option {
	return func(c *Config) {
		c.Encoding = encoding
	}
}

// WithOutputPaths sets logger output paths
func WithOutputPaths(paths []string) Option {
	return func(c *Config) {
		c.OutputPaths = paths
	}
}

// WithErrorPaths sets where error level entries are duplicated
func WithErrorPaths(paths []string) Option {
	return func(c *Config) {
		c.ErrorPaths = paths
	}
}

// WithInitialFields adds fields to every entry, e.g. the service name
func WithInitialFields(fields map[string]interface{}) Option {
	return func(c *Config) {
		for k, v := range fields {
			c.InitialFields[k] = v
		}
	}
}

// WithDevelopment enables development mode (DPanic panics, stacktraces on warn)
func WithDevelopment(enabled bool) Option {
	return func(c *Config) {
		c.Development = enabled
	}
}

// NewLogger creates a new logger instance
func NewLogger(opts ...Option) (Logger, error) {
	cfg := &Config{
		Level:         "info",
		Encoding:      "json",
		OutputPaths:   []string{"stdout"},
		ErrorPaths:    []string{},
		MaxSize:       100,
		MaxBackups:    3,
		MaxAge:        7,
		Compress:      true,
		Development:   false,
		InitialFields: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	for _, path := range append(cfg.OutputPaths, cfg.ErrorPaths...) {
		if path != "stdout" && path != "stderr" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("can't create log directory: %w", err)
			}
		}
	}

	encoderConfig := zapcore.EncoderConfig{
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

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("can't parse log level: %w", err)
	}
	errorLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel && level.Enabled(l)
	})

	var cores []zapcore.Core
	for _, path := range cfg.OutputPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Encoding, encoderConfig), cfg.writer(path), level))
	}
	for _, path := range cfg.ErrorPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Encoding, encoderConfig), cfg.writer(path), errorLevel))
	}

	options := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	}

	if cfg.Development {
		options = append(options, zap.Development())
	}

	if len(cfg.InitialFields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.InitialFields))
		for k, v := range cfg.InitialFields {
			fields = append(fields, zap.Any(k, v))
		}
		options = append(options, zap.Fields(fields...))
	}

	return &logger{zap: zap.New(zapcore.NewTee(cores...), options...)}, nil
}

// writer maps a path to a sink; files rotate through lumberjack
func (c *Config) writer(path string) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	default:
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    c.MaxSize,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAge,
			Compress:   c.Compress,
		})
	}
}

func newEncoder(encoding string, cfg zapcore.EncoderConfig) zapcore.Encoder {
	if encoding == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &logger{zap: zap.NewNop()}
}

// Various field constructors
func String(key string, val string) Field        { return zap.String(key, val) }
func Int(key string, val int) Field             { return zap.Int(key, val) }
func Int64(key string, val int64) Field         { return zap.Int64(key, val) }
func Float64(key string, val float64) Field     { return zap.Float64(key, val) }
func Bool(key string, val bool) Field           { return zap.Bool(key, val) }
func Any(key string, val interface{}) Field     { return zap.Any(key, val) }
func Error(err error) Field                     { return zap.Error(err) }
func Time(key string, val time.Time) Field      { return zap.Time(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Stack() Field                              { return zap.Stack("stacktrace") }
func Strings(key string, val []string) Field    { return zap.Strings(key, val) }
func Stringer(key string, val fmt.Stringer) Field { return zap.Stringer(key, val) }

// Logger implementation
func (l *logger) Debug(msg string, fields ...Field) {
	l.zap.Debug(msg, fields...)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.zap.Info(msg, fields...)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.zap.Warn(msg, fields...)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.zap.Error(msg, fields...)
}

func (l *logger) Fatal(msg string, fields ...Field) {
	l.zap.Fatal(msg, fields...)
}

func (l *logger) With(fields ...Field) Logger {
	return &logger{zap: l.zap.With(fields...)}
}

func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name)}
}

func (l *logger) Sync() error {
	return l.zap.Sync()
}

type ctxKey int

const (
	indexKey ctxKey = iota
	documentKey
	executionKey
	requestKey
)

// WithPipeline stores pipeline identity in ctx so FromContext can log it.
func WithPipeline(ctx context.Context, index, documentID, executionID string) context.Context {
	ctx = context.WithValue(ctx, indexKey, index)
	ctx = context.WithValue(ctx, documentKey, documentID)
	return context.WithValue(ctx, executionKey, executionID)
}

// WithRequestID stores the HTTP request id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey, requestID)
}

// ContextLogger adds context support
type ContextLogger interface {
	Logger
	FromContext(ctx context.Context) Logger
}

type contextLogger struct {
	Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(l Logger) ContextLogger {
	return &contextLogger{Logger: l}
}

// FromContext creates a new logger with context values
func (l *contextLogger) FromContext(ctx context.Context) Logger {
	fields := make([]Field, 0, 4)
	if v, ok := ctx.Value(requestKey).(string); ok && v != "" {
		fields = append(fields, String("request_id", v))
	}
	if v, ok := ctx.Value(indexKey).(string); ok {
		fields = append(fields, String("index", v))
	}
	if v, ok := ctx.Value(documentKey).(string); ok {
		fields = append(fields, String("documentId", v))
	}
	if v, ok := ctx.Value(executionKey).(string); ok {
		fields = append(fields, String("executionId", v))
	}
	if len(fields) == 0 {
		return l.Logger
	}
	return l.With(fields...)
}
