// Package config loads the YAML configuration shared by gojounit commands.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojounit/core/storage_engine/sqlite"
	"github.com/sushant-115/gojounit/pkg/logger"
	"github.com/sushant-115/gojounit/pkg/telemetry"
)

// Engine names a storage engine.
type Engine string

const (
	EngineSQLite Engine = "sqlite"
	EngineBolt   Engine = "bolt"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// DatabaseConfig describes the database a command operates on.
type DatabaseConfig struct {
	Path        string             `yaml:"path"`
	ExtraFiles  []string           `yaml:"extra_files"`
	Engine      Engine             `yaml:"engine"`
	JournalMode sqlite.JournalMode `yaml:"journal_mode"`
}

// RelocationConfig tunes the copy used when a move crosses file systems.
type RelocationConfig struct {
	// CopyRateBytesPerSec caps copy throughput; 0 means unthrottled.
	CopyRateBytesPerSec int64 `yaml:"copy_rate_bytes_per_sec"`
	VerifyCopies        bool  `yaml:"verify_copies"`
}

// Config is the top-level configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Relocation RelocationConfig `yaml:"relocation"`
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Engine:      EngineSQLite,
			JournalMode: sqlite.JournalModeWAL,
		},
		Relocation: RelocationConfig{VerifyCopies: true},
		Logger:     logger.DefaultConfig(),
		Telemetry:  telemetry.Config{ServiceName: "gojounit", TraceSampleRatio: 1.0},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and limits.
func (c Config) Validate() error {
	switch c.Database.Engine {
	case EngineSQLite, EngineBolt:
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidConfig, c.Database.Engine)
	}
	switch c.Database.JournalMode {
	case "", sqlite.JournalModeWAL, sqlite.JournalModeDELETE:
	default:
		return fmt.Errorf("%w: unknown journal mode %q", ErrInvalidConfig, c.Database.JournalMode)
	}
	if c.Relocation.CopyRateBytesPerSec < 0 {
		return fmt.Errorf("%w: negative copy rate", ErrInvalidConfig)
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("%w: trace sample ratio %v outside [0,1]", ErrInvalidConfig, r)
	}
	return nil
}
