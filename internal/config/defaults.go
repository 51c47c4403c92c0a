package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "/usr/local/var/kiroku/data/state"
	}
	if cfg.Storage.ArtifactDir == "" {
		cfg.Storage.ArtifactDir = "/usr/local/var/kiroku/data/artifacts"
	}
	if cfg.Storage.InboxDir == "" {
		cfg.Storage.InboxDir = "/usr/local/var/kiroku/data/inbox"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kiroku/data/db/blocks.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/kiroku/data/indices/bleve"
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.Extensions == nil {
		cfg.Ingest.Extensions = []string{".pdf", ".docx", ".pptx", ".txt", ".md"}
	}
	if cfg.Consistency.Schedule == "" {
		cfg.Consistency.Schedule = "0 * * * *"
	}
}
