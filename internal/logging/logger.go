package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/soaringjerry/Renova/internal/config"
)

// New builds a logger that writes each level to its own rotating JSON file,
// plus an optional colored console stream. level gates every core and is
// set from cfg.Level; changing it later takes effect immediately.
func New(cfg config.LoggingConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	return newWithConsole(cfg, level, os.Stdout)
}

// SetLevel parses name and applies it to level.
func SetLevel(level zap.AtomicLevel, name string) error {
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	level.SetLevel(l)
	return nil
}

func newWithConsole(cfg config.LoggingConfig, level zap.AtomicLevel, console io.Writer) (*zap.Logger, error) {
	if err := SetLevel(level, cfg.Level); err != nil {
		return nil, err
	}
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:   "message",
		LevelKey:     "level",
		TimeKey:      "time",
		CallerKey:    "caller",
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("could not create log directory: %w", err)
		}
		for _, l := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel} {
			cores = append(cores, newFileCore(cfg, l, level, encoderConfig))
		}
	}
	if cfg.Console && console != nil {
		cores = append(cores, newConsoleCore(console, level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// newFileCore writes exactly one level to a file named like
// '2026-01-30-info.log'. Error and above share the error file. Files are
// created on first write.
func newFileCore(cfg config.LoggingConfig, fileLevel zapcore.Level, gate zap.AtomicLevel, encoderConfig zapcore.EncoderConfig) zapcore.Core {
	fileName := filepath.Join(cfg.Directory, fmt.Sprintf("%s-%s.log", time.Now().Format("2006-01-02"), fileLevel.String()))
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   fileName,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		if !gate.Enabled(l) {
			return false
		}
		if fileLevel == zapcore.ErrorLevel {
			return l >= zapcore.ErrorLevel
		}
		return l == fileLevel
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, enabler)
}

func newConsoleCore(w io.Writer, gate zap.AtomicLevel) zapcore.Core {
	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig),
		zapcore.AddSync(w),
		gate,
	)
}
