package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.SugaredLogger
	once         sync.Once
	mu           sync.RWMutex
)

// Config defines logging configuration
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Format      string // "json" or "console"
	Output      string // "stdout", "stderr" or a file path
	Development bool
}

// DefaultConfig returns default logger config
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	}
}

// InitLogger initializes Zap with the given config
func InitLogger(cfg *Config) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		globalLogger = build(cfg)
	})
}

// ReplaceGlobal replaces the global logger with a new one
func ReplaceGlobal(cfg *Config) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	globalLogger = build(cfg)
}

// Use installs an already constructed logger. Tests use it with zaptest/observer.
func Use(l *zap.Logger) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	globalLogger = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func build(cfg *Config) *zap.SugaredLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"
	encoderCfg.MessageKey = "msg"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, sink(cfg.Output), zapLevel)

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...).Sugar()
}

func sink(output string) zapcore.WriteSyncer {
	switch output {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return zapcore.AddSync(os.Stdout)
	}
	return zapcore.AddSync(f)
}

// GetLogger returns the global logger instance
func GetLogger() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Zap returns the unsugared global logger for callers that build typed fields.
func Zap() *zap.Logger {
	return GetLogger().Desugar()
}

// Sync flushes any buffered log entries
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func ensureInitialized() {
	InitLogger(DefaultConfig())
}

func current() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Debug logs debug level messages
func Debug(msg string, args ...interface{}) {
	current().Debugf(msg, args...)
}

// Info logs info level messages
func Info(msg string, args ...interface{}) {
	current().Infof(msg, args...)
}

// Infof logs info level messages with formatting
func Infof(msg string, args ...interface{}) {
	current().Infof(msg, args...)
}

// Infow logs a message with structured key/value pairs
func Infow(msg string, keysAndValues ...interface{}) {
	current().Infow(msg, keysAndValues...)
}

// Warn logs warning level messages
func Warn(msg string, args ...interface{}) {
	current().Warnf(msg, args...)
}

// Warnf logs warning level messages with formatting
func Warnf(msg string, args ...interface{}) {
	current().Warnf(msg, args...)
}

// Warnw logs a warning with structured key/value pairs
func Warnw(msg string, keysAndValues ...interface{}) {
	current().Warnw(msg, keysAndValues...)
}

// Error logs error level messages
func Error(msg string, args ...interface{}) {
	current().Errorf(msg, args...)
}

// Errorf logs error level messages with formatting
func Errorf(msg string, args ...interface{}) {
	current().Errorf(msg, args...)
}

// Errorw logs an error with structured key/value pairs
func Errorw(msg string, keysAndValues ...interface{}) {
	current().Errorw(msg, keysAndValues...)
}

// Critical logs an operator alert. zap has no level above error that does not
// exit, so alerts are error entries tagged severity=critical and alert=true.
func Critical(msg string, keysAndValues ...interface{}) {
	kv := append([]interface{}{"severity", "critical", "alert", true}, keysAndValues...)
	current().Errorw(msg, kv...)
}

// Fatal logs fatal level messages and exits
func Fatal(msg string, args ...interface{}) {
	current().Fatalf(msg, args...)
}
