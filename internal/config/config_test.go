package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  state_dir: "./state"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.StateDir == "" {
		t.Error("state_dir should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  state_dir: "./data/state"
  artifact_dir: "./data/artifacts"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantState := filepath.Join(dir, "data", "state")
	if cfg.Storage.StateDir != wantState {
		t.Errorf("state_dir = %s, want %s", cfg.Storage.StateDir, wantState)
	}
	wantArtifacts := filepath.Join(dir, "data", "artifacts")
	if cfg.Storage.ArtifactDir != wantArtifacts {
		t.Errorf("artifact_dir = %s, want %s", cfg.Storage.ArtifactDir, wantArtifacts)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Ingest.Workers != 4 {
		t.Errorf("default workers: got %d", cfg.Ingest.Workers)
	}
	if cfg.Ingest.Extensions == nil {
		t.Error("ingest extensions should be set by default")
	}
	if cfg.Consistency.Schedule != "0 * * * *" {
		t.Errorf("default schedule: got %s", cfg.Consistency.Schedule)
	}
	if cfg.Consistency.AutoRepair {
		t.Error("auto_repair should default to false")
	}
}

func TestIngestConfig_WatchInboxOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		i := &IngestConfig{}
		if !i.WatchInboxOrDefault() {
			t.Error("WatchInboxOrDefault() = false, want true")
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		i := &IngestConfig{WatchInbox: &f}
		if i.WatchInboxOrDefault() {
			t.Error("WatchInboxOrDefault() = true, want false")
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{StateDir: "/tmp/state"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
