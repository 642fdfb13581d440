package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropalato/chart-registry/internal/chart/charttest"
	"github.com/cropalato/chart-registry/internal/config"
	"github.com/cropalato/chart-registry/internal/pipeline"
	"github.com/cropalato/chart-registry/internal/storage"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func loadTestConfig(t *testing.T, dataDir, extra string) *config.Config {
	path := writeConfig(t, `
storage:
  filesystem:
    directory: `+dataDir+`
index:
  sweep_schedule: "@every 1h"
repositories:
  - id: 100
    owner: 42
    name: common
`+extra)
	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)
	return cfg
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(false)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	debugLogger, err := initLogger(true)
	require.NoError(t, err)
	assert.True(t, debugLogger.Core().Enabled(-1))
}

func TestNewApplicationAndRebuild(t *testing.T) {
	dataDir := t.TempDir()
	cfg := loadTestConfig(t, dataDir, "")
	ctx := context.Background()

	app, err := NewApplication(ctx, cfg)
	require.NoError(t, err)
	defer app.Cleanup()
	require.NotNil(t, app.sweeper)

	_, err = app.pipeline.Upload(ctx, pipeline.UploadRequest{
		RepositoryID: 100,
		Version:      "1.0.0",
		Tarball:      charttest.Chart(t, "common", "1.0.0"),
	})
	require.NoError(t, err)

	// Losing the index on disk is repaired by a rebuild
	require.NoError(t, os.Remove(filepath.Join(dataDir, storage.IndexPath(42))))
	require.NoError(t, app.Rebuild(ctx, 0))

	idx, err := app.builder.Get(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, idx.Entries["common"], 1)

	checks := app.healthChecks()
	require.Contains(t, checks, "storage")
	assert.NoError(t, checks["storage"](ctx))
	assert.NotContains(t, checks, "registry")
}

func TestNewApplicationRestoresMemoryRegistry(t *testing.T) {
	dataDir := t.TempDir()
	cfg := loadTestConfig(t, dataDir, "")
	ctx := context.Background()

	first, err := NewApplication(ctx, cfg)
	require.NoError(t, err)
	uploaded, err := first.pipeline.Upload(ctx, pipeline.UploadRequest{
		RepositoryID: 100,
		Version:      "1.0.0",
		Tarball:      charttest.Chart(t, "common", "1.0.0"),
	})
	require.NoError(t, err)
	first.Cleanup()

	// A restarted process sees the same storage with an empty registry
	restarted, err := NewApplication(ctx, cfg)
	require.NoError(t, err)
	defer restarted.Cleanup()

	rel, err := restarted.releases.Get(ctx, 100, "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.True(t, uploaded.CreatedAt.Equal(rel.CreatedAt))

	rebuilt, err := restarted.builder.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, rebuilt)

	idx, err := restarted.builder.Get(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, idx.Entries["common"], 1)
}

func TestNewApplicationWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadTestConfig(t, t.TempDir(), `
registry:
  backend: redis
  redis:
    addr: `+mr.Addr()+`
`)

	app, err := NewApplication(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Cleanup()

	checks := app.healthChecks()
	require.Contains(t, checks, "registry")
	assert.NoError(t, checks["registry"](context.Background()))
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "registry:\n  backend: etcd\n")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"rebuild", "--config", path})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry.backend")
}
