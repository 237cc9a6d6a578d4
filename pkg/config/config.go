// Package config loads the StoneDB process configuration from a yaml
// file and fills in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/stonedb/stonedb/pkg/logger"
	"github.com/stonedb/stonedb/pkg/telemetry"
)

// StorageConfig configures the buffer pool, the WAL, and the
// double-write buffer.
type StorageConfig struct {
	// DataDir holds the pool files, the clog directory, and the
	// double-write file.
	DataDir string `yaml:"data_dir"`

	// FrameCapacity is the fixed size of the shared frame arena.
	FrameCapacity int `yaml:"frame_capacity"`

	// WALDir overrides the clog directory (default: <data_dir>/clog).
	WALDir string `yaml:"wal_dir"`

	// WALMaxEntriesPerFile is the LSN range width of one clog file.
	WALMaxEntriesPerFile int64 `yaml:"wal_max_entries_per_file"`

	// WALBufferBytes bounds the in-memory log buffer.
	WALBufferBytes int64 `yaml:"wal_buffer_bytes"`

	// DoubleWriteEnabled selects the disk-backed double-write buffer.
	DoubleWriteEnabled bool `yaml:"double_write_enabled"`

	// DoubleWriteFile overrides the staging file path
	// (default: <data_dir>/dblwr.dat).
	DoubleWriteFile string `yaml:"double_write_file"`

	// DoubleWriteMaxPages is the staging capacity per flush cycle.
	DoubleWriteMaxPages int `yaml:"double_write_max_pages"`

	// BGWriterFlushesPerSecond paces the background writer; 0 disables.
	BGWriterFlushesPerSecond float64 `yaml:"bgwriter_flushes_per_second"`
}

// Config is the top-level process configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a yaml configuration file and applies defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Storage
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.FrameCapacity <= 0 {
		s.FrameCapacity = 1024
	}
	if s.WALDir == "" {
		s.WALDir = filepath.Join(s.DataDir, "clog")
	}
	if s.WALMaxEntriesPerFile <= 0 {
		s.WALMaxEntriesPerFile = 1 << 20
	}
	if s.WALBufferBytes <= 0 {
		s.WALBufferBytes = 16 << 20
	}
	if s.DoubleWriteFile == "" {
		s.DoubleWriteFile = filepath.Join(s.DataDir, "dblwr.dat")
	}
	if s.DoubleWriteMaxPages <= 0 {
		s.DoubleWriteMaxPages = 16
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "stonedb"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9464
	}
}
