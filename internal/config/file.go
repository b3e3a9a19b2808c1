package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML layout of memento.yaml written by
// memento-setup. Only fields present in the file override the env/default
// configuration; precedence is file > env > defaults, so a checked-in
// memento.yaml pins the deployment regardless of stray shell state.
type fileConfig struct {
	Project struct {
		ID   string `yaml:"id"`
		Path string `yaml:"path"`
	} `yaml:"project"`
	VectorStore struct {
		Engine      string `yaml:"engine"`
		DataPath    string `yaml:"data_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"vector_store"`
	GraphStore struct {
		Engine   string `yaml:"engine"`
		URI      string `yaml:"uri"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
	} `yaml:"graph_store"`
	Embedding struct {
		Model           string `yaml:"model"`
		APIKey          string `yaml:"api_key"`
		BaseURL         string `yaml:"base_url"`
		FallbackEnabled *bool  `yaml:"fallback_enabled"`
	} `yaml:"embedding"`
	Sync struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		BatchSize       int `yaml:"batch_size"`
	} `yaml:"sync"`
	Normalizer struct {
		ConflictThreshold       float64 `yaml:"conflict_threshold"`
		SoftDeleteRetentionDays int     `yaml:"soft_delete_retention_days"`
		MaxSnapshotEntries      int     `yaml:"max_snapshot_entries"`
	} `yaml:"normalizer"`
}

// DefaultConfigFile is the conventional location LoadConfigWithFile probes
// when MEMENTO_CONFIG_FILE is unset.
const DefaultConfigFile = "memento.yaml"

// LoadConfigWithFile loads the env/default configuration, then overlays the
// YAML config file at path (or MEMENTO_CONFIG_FILE, or ./memento.yaml) when
// one exists. A missing file is not an error; a malformed one is.
func LoadConfigWithFile(path string) (*Config, error) {
	cfg := buildBaseConfig()

	if path == "" {
		path = os.Getenv("MEMENTO_CONFIG_FILE")
	}
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyFile(cfg, &fc)
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}

	setString(&cfg.Project.ProjectID, fc.Project.ID)
	setString(&cfg.Project.ProjectPath, fc.Project.Path)
	setString(&cfg.VectorStore.StorageEngine, fc.VectorStore.Engine)
	setString(&cfg.VectorStore.DataPath, fc.VectorStore.DataPath)
	setString(&cfg.VectorStore.PostgresDSN, fc.VectorStore.PostgresDSN)
	setString(&cfg.GraphStore.Engine, fc.GraphStore.Engine)
	setString(&cfg.GraphStore.URI, fc.GraphStore.URI)
	setString(&cfg.GraphStore.User, fc.GraphStore.User)
	setString(&cfg.GraphStore.Password, fc.GraphStore.Password)
	setString(&cfg.GraphStore.Database, fc.GraphStore.Database)
	setString(&cfg.Embedding.ModelID, fc.Embedding.Model)
	setString(&cfg.Embedding.APIKey, fc.Embedding.APIKey)
	setString(&cfg.Embedding.BaseURL, fc.Embedding.BaseURL)
	if fc.Embedding.FallbackEnabled != nil {
		cfg.Embedding.FallbackEnabled = *fc.Embedding.FallbackEnabled
	}
	setInt(&cfg.Sync.IntervalSeconds, fc.Sync.IntervalSeconds)
	setInt(&cfg.Sync.BatchSize, fc.Sync.BatchSize)
	if fc.Normalizer.ConflictThreshold > 0 {
		cfg.Normalizer.ConflictThreshold = fc.Normalizer.ConflictThreshold
	}
	setInt(&cfg.Normalizer.SoftDeleteRetentionDays, fc.Normalizer.SoftDeleteRetentionDays)
	setInt(&cfg.Normalizer.MaxSnapshotEntries, fc.Normalizer.MaxSnapshotEntries)
}

// WriteTemplate renders a commented memento.yaml for cfg, used by
// memento-setup to persist the operator's choices.
func WriteTemplate(cfg *Config, path string) error {
	var fc fileConfig
	fc.Project.ID = cfg.Project.ProjectID
	fc.Project.Path = cfg.Project.ProjectPath
	fc.VectorStore.Engine = cfg.VectorStore.StorageEngine
	fc.VectorStore.DataPath = cfg.VectorStore.DataPath
	fc.VectorStore.PostgresDSN = cfg.VectorStore.PostgresDSN
	fc.GraphStore.Engine = cfg.GraphStore.Engine
	fc.GraphStore.URI = cfg.GraphStore.URI
	fc.GraphStore.User = cfg.GraphStore.User
	fc.GraphStore.Password = cfg.GraphStore.Password
	fc.GraphStore.Database = cfg.GraphStore.Database
	fc.Embedding.Model = cfg.Embedding.ModelID
	fc.Embedding.APIKey = cfg.Embedding.APIKey
	fc.Embedding.BaseURL = cfg.Embedding.BaseURL
	fc.Embedding.FallbackEnabled = &cfg.Embedding.FallbackEnabled
	fc.Sync.IntervalSeconds = cfg.Sync.IntervalSeconds
	fc.Sync.BatchSize = cfg.Sync.BatchSize
	fc.Normalizer.ConflictThreshold = cfg.Normalizer.ConflictThreshold
	fc.Normalizer.SoftDeleteRetentionDays = cfg.Normalizer.SoftDeleteRetentionDays
	fc.Normalizer.MaxSnapshotEntries = cfg.Normalizer.MaxSnapshotEntries

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("config: marshal template: %w", err)
	}
	header := []byte("# Memento configuration. Values here override MEMENTO_* environment variables.\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}
