package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/config"
)

func TestLoadConfigWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadConfigWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.VectorStore.StorageEngine)
	assert.Equal(t, "memory", cfg.GraphStore.Engine)
}

func TestLoadConfigWithFile_FileOverridesEnv(t *testing.T) {
	t.Setenv("MEMENTO_PROJECT_ID", "from-env")

	path := filepath.Join(t.TempDir(), "memento.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project:
  id: from-file
graph_store:
  engine: neo4j
  uri: bolt://graph:7687
normalizer:
  conflict_threshold: 0.9
`), 0o600))

	cfg, err := config.LoadConfigWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Project.ProjectID, "file pins the deployment over env")
	assert.Equal(t, "neo4j", cfg.GraphStore.Engine)
	assert.Equal(t, "bolt://graph:7687", cfg.GraphStore.URI)
	assert.InDelta(t, 0.9, cfg.Normalizer.ConflictThreshold, 1e-9)

	// Keys absent from the file keep their env/default values.
	assert.Equal(t, "sqlite", cfg.VectorStore.StorageEngine)
}

func TestLoadConfigWithFile_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memento.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project: [unbalanced"), 0o600))

	_, err := config.LoadConfigWithFile(path)
	assert.Error(t, err)
}
