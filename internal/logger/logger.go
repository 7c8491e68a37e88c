// internal/logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control where logs go. An empty File disables the file core.
type Options struct {
	Debug      bool
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Console defaults to stdout.
	Console io.Writer
}

func (o Options) level() zapcore.Level {
	if o.Debug {
		return zap.DebugLevel
	}
	return zap.InfoLevel
}

func (o Options) encoderConfig() zapcore.EncoderConfig {
	if o.Debug {
		return zap.NewDevelopmentEncoderConfig()
	}
	return zap.NewProductionEncoderConfig()
}

// New builds a logger writing human readable lines to the console and JSON
// lines to a rotating file.
func New(opts Options) (*zap.Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var consoleCore zapcore.Core
	if opts.Pretty {
		consoleCore = &FieldFilterCore{core: zapcore.NewCore(
			PrettyEncoder(), zapcore.Lock(zapcore.AddSync(console)), opts.level())}
	} else {
		consoleCore = zapcore.NewCore(
			zapcore.NewConsoleEncoder(opts.encoderConfig()),
			zapcore.Lock(zapcore.AddSync(console)),
			opts.level())
	}

	cores := []zapcore.Core{consoleCore}
	fileCore, err := opts.fileCore()
	if err != nil {
		return nil, err
	}
	if fileCore != nil {
		cores = append(cores, fileCore)
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// NewTUI builds a logger that never touches the terminal: entries go to
// buffer for on-screen display and to the rotating file.
func NewTUI(opts Options, buffer *LogBuffer) (*zap.Logger, error) {
	if buffer == nil {
		return nil, fmt.Errorf("buffer is required for TUI logger")
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(bufferEncoderConfig()), zapcore.AddSync(buffer), opts.level()),
	}
	fileCore, err := opts.fileCore()
	if err != nil {
		return nil, err
	}
	if fileCore != nil {
		cores = append(cores, fileCore)
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func (o Options) fileCore() (zapcore.Core, error) {
	if o.File == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(o.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   o.Compress,
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zapcore.NewCore(encoder, zapcore.AddSync(rotator), o.level()), nil
}
