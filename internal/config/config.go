// Package config provides configuration loading and structs for the Kiroku server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Consistency ConsistencyConfig `yaml:"consistency"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the state stores, artifacts, and indices.
type StorageConfig struct {
	StateDir     string `yaml:"state_dir"`
	ArtifactDir  string `yaml:"artifact_dir"`
	InboxDir     string `yaml:"inbox_dir"`
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
}

// IngestConfig holds ingest pipeline settings.
type IngestConfig struct {
	Workers    int      `yaml:"workers"`
	Extensions []string `yaml:"extensions"`
	WatchInbox *bool    `yaml:"watch_inbox"`
}

// WatchInboxOrDefault returns whether the inbox watcher runs; defaults to
// true when an inbox directory is configured.
func (i *IngestConfig) WatchInboxOrDefault() bool {
	if i.WatchInbox != nil {
		return *i.WatchInbox
	}
	return true
}

// ConsistencyConfig holds periodic scan settings.
type ConsistencyConfig struct {
	Schedule   string `yaml:"schedule"`
	AutoRepair bool   `yaml:"auto_repair"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.StateDir = expandPath(cfg.Storage.StateDir, configDir)
	cfg.Storage.ArtifactDir = expandPath(cfg.Storage.ArtifactDir, configDir)
	cfg.Storage.InboxDir = expandPath(cfg.Storage.InboxDir, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
