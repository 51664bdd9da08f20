package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	// given
	fileName := filepath.Join(t.TempDir(), "conf.yaml")
	err := os.WriteFile(fileName, []byte(`
name: orders
storage:
  driver: inmemory
engine:
  nodeId: node-1
  definitionCacheSize: 10
jobExecutor:
  pollInterval: 250ms
  exclusivity: hierarchy
tracing:
  enabled: true
`), 0o600)
	require.NoError(t, err)

	// when
	c, err := LoadConfig(fileName)

	// then
	require.NoError(t, err)
	assert.Equal(t, "orders", c.Name)
	assert.Equal(t, StorageDriverInMemory, c.Storage.Driver)
	assert.Equal(t, "node-1", c.Engine.NodeId)
	assert.Equal(t, 10, c.Engine.DefinitionCacheSize)
	assert.Equal(t, 24*time.Hour, c.Engine.DefinitionCacheTTL)
	assert.Equal(t, 250*time.Millisecond, c.JobExecutor.PollInterval)
	assert.Equal(t, "hierarchy", c.JobExecutor.Exclusivity)
	assert.Equal(t, 32, c.JobExecutor.BatchSize)
	assert.True(t, c.Tracing.Enabled)
	assert.Equal(t, "orders", c.Tracing.Name)
}

func TestLoadConfigFromEnv(t *testing.T) {
	// given
	t.Setenv("STORAGE_DRIVER", "bolt")
	t.Setenv("STORAGE_PATH", "/tmp/zenpvm-test.db")
	t.Setenv("JOB_EXECUTOR_EXCLUSIVITY", "none")

	// when
	c, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	// then
	require.NoError(t, err)
	assert.Equal(t, "zenpvm", c.Name)
	assert.Equal(t, StorageDriverBolt, c.Storage.Driver)
	assert.Equal(t, "/tmp/zenpvm-test.db", c.Storage.Path)
	assert.Equal(t, 5*time.Second, c.Storage.OpenTimeout)
	assert.Equal(t, "none", c.JobExecutor.Exclusivity)
	assert.NotEmpty(t, c.Engine.NodeId)
}

func TestLoadConfigRejectsUnknownValues(t *testing.T) {
	// given
	t.Setenv("JOB_EXECUTOR_EXCLUSIVITY", "cluster")

	// when
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	// then
	assert.ErrorContains(t, err, "unknown job exclusivity")
}
