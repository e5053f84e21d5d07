package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger

	// Level is shared by every core so it can be changed after startup.
	Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	levelStr := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = Level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}

	build(zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), Level))
}

func encoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return encoderConfig
}

func build(core zapcore.Core) {
	// AddCaller ensures the log includes filename and line number
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}

// Setup reconfigures the global logger. An empty level keeps the current one;
// a non-empty file path tees output into that file, creating its directory.
func Setup(level, file string) error {
	if level != "" {
		if err := Level.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), Level),
	}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(f), Level))
	}

	build(zapcore.NewTee(cores...))
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Log.Sync()
}
