package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cropalato/chart-registry/internal/chart/charttest"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/storage"
)

func TestRestore(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	first := env.publish(t, 100, "1.0.0")
	env.publish(t, 100, "1.1.0-rc.1")
	env.publish(t, 200, "5.0.0")
	require.NoError(t, env.backend.Upload(ctx, storage.ProvenancePath(testOwner, 100, "common", "1.0.0"), []byte("signature"), storage.ContentTypeProvenance))

	// Objects of an upload that never reached the registry and lost its metadata
	require.NoError(t, env.backend.Upload(ctx, storage.TarballPath(testOwner, 101, "nginx", "2.0.0"),
		charttest.Chart(t, "nginx", "2.0.0"), storage.ContentTypeGzip))

	registry := release.NewMemory(zaptest.NewLogger(t))
	restored, err := env.builder.Restore(ctx, registry)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)

	releases, err := registry.List(ctx, 100)
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, []string{"1.1.0-rc.1", "1.0.0"}, []string{releases[0].Tag, releases[1].Tag})
	for _, rel := range releases {
		if rel.Tag == "1.0.0" {
			assert.True(t, first.Created.Equal(rel.CreatedAt), "creation time comes from the stored index")
		}
	}

	nginx, err := registry.List(ctx, 101)
	require.NoError(t, err)
	assert.Empty(t, nginx)

	// Known releases are left alone
	restored, err = env.builder.Restore(ctx, registry)
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestTarballVersion(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
		ok       bool
	}{
		{name: "Release", path: "tarballs/42/100/common-1.0.0.tar.gz", expected: "1.0.0", ok: true},
		{name: "Pre-release with dash", path: "tarballs/42/100/common-1.0.0-beta.1.tar.gz", expected: "1.0.0-beta.1", ok: true},
		{name: "Provenance", path: "tarballs/42/100/common-1.0.0.tar.gz.prov"},
		{name: "Other chart", path: "tarballs/42/100/nginx-1.0.0.tar.gz"},
		{name: "No version", path: "tarballs/42/100/common-.tar.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, ok := tarballVersion("common", tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, version)
		})
	}
}
