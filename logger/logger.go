// Package logger provides the process-wide structured logger.
//
// Package-level helpers (Info, Warnw, ...) write through the default logger,
// which starts as an INFO console logger and is replaced by InitFromConfig.
// Components that want their own name in every line use Named.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents the configuration for the logger
type Config struct {
	// Log level: debug, info, warn, error
	Level string
	// Encoding: console or json
	Format string
	// Log file path, empty disables the file sink
	FilePath string
	// Maximum log file size in MB before rotation
	MaxSize int
	// Maximum number of rotated files kept
	MaxBackups int
	// Whether to log to stdout
	Console bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// Logger bundles a zap logger with its adjustable level and file sink.
type Logger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
	// skip is sugar with one extra caller frame for the package-level helpers.
	skip  *zap.SugaredLogger
	level zap.AtomicLevel
	file  *rotatingFile
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize default logger: %v\n", err)
		l = wrap(zap.NewNop(), zap.NewAtomicLevel(), nil)
	}
	defaultLogger.Store(l)
}

// New creates a new logger
func New(cfg Config) (*Logger, error) {
	lvl, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encCfg.MessageKey = "message"
		encCfg.TimeKey = "timestamp"
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	var sinks []zapcore.WriteSyncer
	if cfg.Console {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}

	var file *rotatingFile
	if cfg.FilePath != "" {
		file, err = openRotatingFile(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}

	var core zapcore.Core
	if len(sinks) == 0 {
		core = zapcore.NewNopCore()
	} else {
		core = zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	}

	return wrap(zap.New(core, zap.AddCaller()), level, file), nil
}

func wrap(base *zap.Logger, level zap.AtomicLevel, file *rotatingFile) *Logger {
	return &Logger{
		base:  base,
		sugar: base.Sugar(),
		skip:  base.WithOptions(zap.AddCallerSkip(1)).Sugar(),
		level: level,
		file:  file,
	}
}

// Sugar returns the underlying sugared logger.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	_ = l.base.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var _ io.Closer = (*Logger)(nil)

// InitFromConfig replaces the default logger.
func InitFromConfig(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}

	if old := defaultLogger.Swap(l); old != nil {
		old.Close()
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// SetLevel changes the level of the default logger.
func SetLevel(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	defaultLogger.Load().SetLevel(lvl)
	return nil
}

// Named returns a child of the default logger tagged with component.
func Named(component string) *zap.SugaredLogger {
	return defaultLogger.Load().sugar.Named(component)
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	defaultLogger.Load().skip.Debugf(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	defaultLogger.Load().skip.Infof(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	defaultLogger.Load().skip.Warnf(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	defaultLogger.Load().skip.Errorf(format, args...)
}

// Fatal logs and exits with status 1.
func Fatal(format string, args ...interface{}) {
	defaultLogger.Load().skip.Fatalf(format, args...)
}

func Debugw(msg string, keysAndValues ...interface{}) {
	defaultLogger.Load().skip.Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	defaultLogger.Load().skip.Infow(msg, keysAndValues...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	defaultLogger.Load().skip.Warnw(msg, keysAndValues...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	defaultLogger.Load().skip.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered entries of the default logger.
func Sync() error {
	return defaultLogger.Load().base.Sync()
}

// Close closes the default logger
func Close() error {
	return defaultLogger.Load().Close()
}
