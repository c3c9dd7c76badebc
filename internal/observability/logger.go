// Package observability owns the process-wide loggers.
package observability

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles. STRUCTURED emits JSON lines, CONSOLE emits human text.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger is the logger used by commands. It is a no-op until
	// InitCLILogger runs.
	CLILogger = zap.NewNop()

	// ServerLogger is handed to long-running components started by serve.
	ServerLogger = zap.NewNop()

	mu sync.Mutex
)

// NewLogger builds a zap logger for level ("debug", "info", ...) and profile.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel

	return cfg.Build()
}

// InitCLILogger replaces CLILogger and ServerLogger. ServerLogger carries a
// component field so server output can be told apart from command output.
func InitCLILogger(level, profile string) error {
	logger, err := NewLogger(level, profile)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	CLILogger = logger
	ServerLogger = logger.With(zap.String("component", "server"))
	return nil
}

// Sync flushes buffered log entries. Errors from syncing stderr are ignored.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
}
