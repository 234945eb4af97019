// Package logger builds the zap logger shared by gojounit components:
// the database handle, the relocator and the CLI.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry as the "service" field.
	Service string `yaml:"service"`
}

// DefaultConfig logs info and above as JSON to stderr, leaving stdout to
// command output.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stderr", Service: "gojounit"}
}

// New creates a zap.Logger from config. It is meant to be called once at
// startup and the result passed down to every component.
func New(config Config) (*zap.Logger, error) {
	l, _, err := NewWithLevel(config)
	return l, err
}

// NewWithLevel is New that also returns the logger's level, which can be
// changed while the logger is in use.
func NewWithLevel(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	// An unparsable or empty level falls back to info.
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	// Where entries go.
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, logLevel, err
	}

	// The core ties level, encoder and writer together.
	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	service := config.Service
	if service == "" {
		service = "gojounit"
	}
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", service)))
	return logger, logLevel, nil
}

// SetLevel parses level and applies it to an AtomicLevel from NewWithLevel.
func SetLevel(atomic zap.AtomicLevel, level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	atomic.SetLevel(lvl)
	return nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// JSON unless a human is reading.
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// Append to an existing log file; the directory must already exist.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
