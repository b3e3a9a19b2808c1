// Package config provides configuration management for Memento.
// It loads settings from environment variables with the MEMENTO_ prefix
// and provides sensible defaults for all configuration options.
//
// User settings (e.g., user_name) are persisted to the settings table in
// the database. LoadConfigFromDB reads from the database first and falls back
// to environment variables. SaveConfig writes user settings to the database.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration settings for the Memento application.
type Config struct {
	Server      ServerConfig
	Project     ProjectConfig
	VectorStore VectorStoreConfig
	GraphStore  GraphStoreConfig
	Embedding   EmbeddingConfig
	Cache       CacheConfig
	Normalizer  NormalizerConfig
	Sync        SyncConfig
	Security    SecurityConfig
	User        UserConfig
}

// ServerConfig contains the MCP transport's listen configuration. Stdio is
// always served; the websocket endpoint only binds when WSEnabled is set.
type ServerConfig struct {
	Port      int    // Server port (default: 6363)
	Host      string // Server host (default: 127.0.0.1)
	WSEnabled bool   // Serve JSON-RPC over websocket at /rpc (default: false)
}

// ProjectConfig identifies the single project this process serves.
// ProjectID is immutable after start; ProjectPath is the containment root
// that path-taking tools refuse to reach outside of.
type ProjectConfig struct {
	ProjectID   string
	ProjectPath string
}

// VectorStoreConfig selects and configures the VectorStore backend.
// StorageEngine chooses between the sqlite (dev) and postgres+pgvector
// (production) implementations.
type VectorStoreConfig struct {
	StorageEngine string // "sqlite" or "postgres" (default: sqlite)
	DataPath      string // sqlite data file path (default: ./data)
	PostgresDSN   string // postgres connection string, used when StorageEngine=postgres
	APIKey        string // optional auth token for a remote-hosted VectorStore
}

// GraphStoreConfig configures the GraphStore backend.
// Engine chooses between the in-process memory graph (dev) and Neo4j
// (production); the URI/User/Password fields only apply to neo4j.
type GraphStoreConfig struct {
	Engine   string // "memory" or "neo4j" (default: memory)
	URI      string
	User     string
	Password string
	Database string
}

// EmbeddingConfig configures the EmbeddingService.
type EmbeddingConfig struct {
	ModelID           string
	APIKey            string
	BaseURL           string
	FallbackEnabled   bool
	FallbackModelID   string
	RequestsPerSecond float64
}

// CacheConfig configures the EmbeddingCache.
type CacheConfig struct {
	MaxEntries int
	TTLDays    int
}

// NormalizerConfig configures the Normalizer's phase thresholds.
type NormalizerConfig struct {
	ConflictThreshold       float64
	SoftDeleteRetentionDays int
	MaxSnapshotEntries      int
}

// SyncConfig configures the SyncLayer's drainer loop.
type SyncConfig struct {
	IntervalSeconds int
	BatchSize       int
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string // Security mode: development, production (default: development)
	APIToken     string // API authentication token
}

// UserConfig holds user-level settings persisted in the sqlite settings
// table so they survive restarts independently of the environment.
// memento-setup writes them; memento-mcp overlays them at startup via
// ApplyUserSettings.
type UserConfig struct {
	// UserName is the operator's display name (env MEMENTO_USER_NAME,
	// settings key user_name).
	UserName string
}

// LoadConfig loads configuration from MEMENTO_-prefixed environment
// variables with defaults. User settings come from the environment only;
// use ApplyUserSettings or LoadConfigFromDB to overlay persisted values.
func LoadConfig() (*Config, error) {
	return buildBaseConfig(), nil
}

// LoadConfigFromDB builds the env/default configuration and overlays the
// persisted user settings; a stored value wins over the environment.
func LoadConfigFromDB(db *sql.DB) (*Config, error) {
	if db == nil {
		return nil, errors.New("config: database connection is required")
	}
	cfg := buildBaseConfig()
	if err := cfg.ApplyUserSettings(db); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyUserSettings overlays persisted user settings onto c. Absent keys
// leave the env/default values in place.
func (c *Config) ApplyUserSettings(db *sql.DB) error {
	if db == nil {
		return errors.New("config: database connection is required")
	}
	userName, err := getSetting(db, "user_name")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("config: failed to load user_name: %w", err)
	}
	if userName != "" {
		c.User.UserName = userName
	}
	return nil
}

// SaveConfig upserts the user settings into the settings table.
func (c *Config) SaveConfig(db *sql.DB) error {
	if db == nil {
		return errors.New("config: database connection is required")
	}
	if err := setSetting(db, "user_name", c.User.UserName); err != nil {
		return fmt.Errorf("config: failed to save user_name: %w", err)
	}
	return nil
}

// EnsureSettingsTable creates the settings table if it does not exist. Both
// binaries call this before touching user settings; the schema is sqlite
// (the settings table lives beside the dev vector store data).
func EnsureSettingsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("config: ensure settings table: %w", err)
	}
	return nil
}

func getSetting(db *sql.DB, key string) (string, error) {
	var value string
	if err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

func setSetting(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults. This is the shared base for both LoadConfig and LoadConfigFromDB.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      getEnvInt("MEMENTO_PORT", 6363),
			Host:      getEnv("MEMENTO_HOST", "127.0.0.1"),
			WSEnabled: getEnvBool("MEMENTO_WS_ENABLED", false),
		},
		Project: ProjectConfig{
			ProjectID:   getEnv("MEMENTO_PROJECT_ID", "default"),
			ProjectPath: getEnv("MEMENTO_PROJECT_PATH", "."),
		},
		VectorStore: VectorStoreConfig{
			StorageEngine: getEnv("MEMENTO_STORAGE_ENGINE", "sqlite"),
			DataPath:      getEnv("MEMENTO_DATA_PATH", "./data"),
			PostgresDSN:   getEnv("MEMENTO_POSTGRES_DSN", ""),
			APIKey:        getEnv("MEMENTO_VECTORSTORE_API_KEY", ""),
		},
		GraphStore: GraphStoreConfig{
			Engine:   getEnv("MEMENTO_GRAPH_ENGINE", "memory"),
			URI:      getEnv("MEMENTO_NEO4J_URI", "bolt://localhost:7687"),
			User:     getEnv("MEMENTO_NEO4J_USER", "neo4j"),
			Password: getEnv("MEMENTO_NEO4J_PASSWORD", ""),
			Database: getEnv("MEMENTO_NEO4J_DATABASE", "neo4j"),
		},
		Embedding: EmbeddingConfig{
			ModelID:           getEnv("MEMENTO_EMBEDDING_MODEL", "voyage-code-3"),
			APIKey:            getEnv("MEMENTO_EMBEDDING_API_KEY", ""),
			BaseURL:           getEnv("MEMENTO_EMBEDDING_BASE_URL", ""),
			FallbackEnabled:   getEnvBool("MEMENTO_EMBEDDING_FALLBACK_ENABLED", true),
			FallbackModelID:   getEnv("MEMENTO_EMBEDDING_FALLBACK_MODEL", "local-hash-v1"),
			RequestsPerSecond: getEnvFloat("MEMENTO_EMBEDDING_REQUESTS_PER_SECOND", 10),
		},
		Cache: CacheConfig{
			MaxEntries: getEnvInt("MEMENTO_CACHE_MAX_ENTRIES", 10000),
			TTLDays:    getEnvInt("MEMENTO_CACHE_TTL_DAYS", 30),
		},
		Normalizer: NormalizerConfig{
			ConflictThreshold:       getEnvFloat("MEMENTO_NORMALIZER_CONFLICT_THRESHOLD", 0.95),
			SoftDeleteRetentionDays: getEnvInt("MEMENTO_NORMALIZER_SOFT_DELETE_RETENTION_DAYS", 30),
			MaxSnapshotEntries:      getEnvInt("MEMENTO_NORMALIZER_MAX_SNAPSHOT_ENTRIES", 50000),
		},
		Sync: SyncConfig{
			IntervalSeconds: getEnvInt("MEMENTO_SYNC_INTERVAL_SECONDS", 30),
			BatchSize:       getEnvInt("MEMENTO_SYNC_BATCH_SIZE", 100),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("MEMENTO_SECURITY_MODE", "development"),
			APIToken:     getEnv("MEMENTO_API_TOKEN", ""),
		},
		User: UserConfig{
			UserName: getEnv("MEMENTO_USER_NAME", ""),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as a float,
// it returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
