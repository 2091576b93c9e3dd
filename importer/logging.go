package importer

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels accepted by --log-level.
const (
	LogLevelDebug    = 1
	LogLevelInfo     = 2
	LogLevelWarning  = 3
	LogLevelError    = 4
	LogLevelCritical = 5
)

// LogOptions configures NewLogger.
type LogOptions struct {
	Path    string
	Console bool
	Level   int
}

// zapLevel maps a --log-level value onto zap. logr only distinguishes info
// and error messages, so critical keeps errors only, like error does.
func zapLevel(level int) (zapcore.Level, error) {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarning:
		return zapcore.WarnLevel, nil
	case LogLevelError, LogLevelCritical:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("%w: log level %d should be in range %d-%d", ErrInvalidConfig, level, LogLevelDebug, LogLevelCritical)
	}
}

// NewLogger returns a logger writing JSON lines to the log file and, when
// requested, human readable lines to stderr. The returned func flushes and
// closes the log file.
func NewLogger(options LogOptions) (logr.Logger, func() error, error) {
	level, err := zapLevel(options.Level)
	if err != nil {
		return logr.Discard(), nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	var file *os.File
	if options.Path != "" {
		file, err = os.OpenFile(options.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return logr.Discard(), nil, fmt.Errorf("failed to open log file %s: %w", options.Path, err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level))
	}
	if options.Console || options.Path == "" {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level))
	}

	zl := zap.New(zapcore.NewTee(cores...))
	closer := func() error {
		_ = zl.Sync()
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return zapr.NewLogger(zl), closer, nil
}
