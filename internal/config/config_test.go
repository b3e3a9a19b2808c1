package config_test

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"MEMENTO_HOST", "MEMENTO_STORAGE_ENGINE", "MEMENTO_GRAPH_ENGINE",
		"MEMENTO_EMBEDDING_MODEL", "MEMENTO_SYNC_INTERVAL_SECONDS",
	} {
		_ = os.Unsetenv(key)
	}

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "default host must stay loopback")
	assert.False(t, cfg.Server.WSEnabled)
	assert.Equal(t, "sqlite", cfg.VectorStore.StorageEngine)
	assert.Equal(t, "memory", cfg.GraphStore.Engine)
	assert.Equal(t, "voyage-code-3", cfg.Embedding.ModelID)
	assert.True(t, cfg.Embedding.FallbackEnabled)
	assert.Equal(t, 30, cfg.Sync.IntervalSeconds)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.InDelta(t, 0.95, cfg.Normalizer.ConflictThreshold, 1e-9)
	assert.Equal(t, 30, cfg.Normalizer.SoftDeleteRetentionDays)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MEMENTO_HOST", "0.0.0.0")
	t.Setenv("MEMENTO_GRAPH_ENGINE", "neo4j")
	t.Setenv("MEMENTO_NORMALIZER_CONFLICT_THRESHOLD", "0.9")
	t.Setenv("MEMENTO_WS_ENABLED", "true")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "neo4j", cfg.GraphStore.Engine)
	assert.InDelta(t, 0.9, cfg.Normalizer.ConflictThreshold, 1e-9)
	assert.True(t, cfg.Server.WSEnabled)
}

func TestLoadConfig_BadNumericEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("MEMENTO_SYNC_BATCH_SIZE", "not-a-number")
	t.Setenv("MEMENTO_NORMALIZER_CONFLICT_THRESHOLD", "lots")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.InDelta(t, 0.95, cfg.Normalizer.ConflictThreshold, 1e-9)
}

func TestUserConfig_EnvVar(t *testing.T) {
	t.Setenv("MEMENTO_USER_NAME", "alice")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User.UserName)
}

func TestSaveConfig_PersistsAndUpserts(t *testing.T) {
	db := openTestDB(t)

	cfg := &config.Config{}
	cfg.User.UserName = "first"
	require.NoError(t, cfg.SaveConfig(db))

	cfg.User.UserName = "second"
	require.NoError(t, cfg.SaveConfig(db))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM settings WHERE key = 'user_name'").Scan(&count))
	assert.Equal(t, 1, count, "saving twice upserts a single row")

	var value string
	require.NoError(t, db.QueryRow("SELECT value FROM settings WHERE key = 'user_name'").Scan(&value))
	assert.Equal(t, "second", value)
}

func TestLoadConfigFromDB_DBWinsOverEnv(t *testing.T) {
	db := openTestDB(t)
	t.Setenv("MEMENTO_USER_NAME", "env-user")

	_, err := db.Exec(`INSERT INTO settings (key, value) VALUES ('user_name', 'db-user')`)
	require.NoError(t, err)

	cfg, err := config.LoadConfigFromDB(db)
	require.NoError(t, err)
	assert.Equal(t, "db-user", cfg.User.UserName)
}

func TestLoadConfigFromDB_FallsBackToEnv(t *testing.T) {
	db := openTestDB(t)
	t.Setenv("MEMENTO_USER_NAME", "fallback-user")

	cfg, err := config.LoadConfigFromDB(db)
	require.NoError(t, err)
	assert.Equal(t, "fallback-user", cfg.User.UserName)
}

func TestSettingsDB_NilHandleErrors(t *testing.T) {
	_, err := config.LoadConfigFromDB(nil)
	assert.Error(t, err)

	cfg := &config.Config{}
	assert.Error(t, cfg.SaveConfig(nil))
}

func TestApplyUserSettings_OverlaysStoredValue(t *testing.T) {
	db := openTestDB(t)
	t.Setenv("MEMENTO_USER_NAME", "env-user")

	_, err := db.Exec(`INSERT INTO settings (key, value) VALUES ('user_name', 'stored-user')`)
	require.NoError(t, err)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyUserSettings(db))
	assert.Equal(t, "stored-user", cfg.User.UserName)
}

// openTestDB creates an in-memory SQLite database with the settings schema.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, config.EnsureSettingsTable(db))
	return db
}
