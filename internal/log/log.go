// Package log provides structured logging for lightwatch.
// It wraps zap with sensible defaults for production use.
package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names used across packages.
const (
	FieldComponent  = "component"
	FieldCameraID   = "camera_id"
	FieldState      = "state"
	FieldFrom       = "from"
	FieldTo         = "to"
	FieldCount      = "count"
	FieldArea       = "area"
	FieldBaseline   = "baseline_count"
	FieldEventID    = "event_id"
	FieldTopic      = "topic"
	FieldAttempt    = "attempt"
	FieldError      = "error"
	FieldKind       = "kind"
	FieldDurationMS = "duration_ms"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
	once   sync.Once
)

// Options controls how the process logger is built.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// JSON selects the production JSON encoder instead of the console encoder.
	JSON bool
}

// Init initializes the global logger. Only the first call has an effect.
func Init(opts Options) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		l, err = Build(opts)
		if err != nil {
			return
		}
		mu.Lock()
		logger = l
		mu.Unlock()
		zap.ReplaceGlobals(l)
	})
	return err
}

// Build creates a logger without installing it globally.
func Build(opts Options) (*zap.Logger, error) {
	level := ParseLevel(opts.Level)

	if opts.JSON || os.Getenv("GO_ENV") == "production" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		return cfg.Build()
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return zap.New(core), nil
}

// ParseLevel maps a level name to a zap level. Unknown names map to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the global logger instance.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child logger tagged with a component name.
func Named(component string) *zap.Logger {
	return L().Named(component).With(zap.String(FieldComponent, component))
}

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}
