package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"

	"github.com/cropalato/chart-registry/internal/chart"
	"github.com/cropalato/chart-registry/internal/chart/charttest"
	"github.com/cropalato/chart-registry/internal/config"
	"github.com/cropalato/chart-registry/internal/index"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const testOwner = int64(42)

// failingIndexer delegates to a real builder until told to fail
type failingIndexer struct {
	Indexer
	mu   sync.Mutex
	fail error
}

func (f *failingIndexer) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *failingIndexer) AddEntry(ctx context.Context, owner int64, entry index.Entry) error {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Indexer.AddEntry(ctx, owner, entry)
}

func (f *failingIndexer) RemoveEntry(ctx context.Context, owner int64, chartName, version string) error {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Indexer.RemoveEntry(ctx, owner, chartName, version)
}

type testEnv struct {
	pipeline *Pipeline
	backend  *storage.Filesystem
	releases release.Registry
	builder  *index.Builder
	indexer  *failingIndexer
}

func setupTestEnv(t *testing.T) *testEnv {
	logger := zaptest.NewLogger(t)

	backend, err := storage.NewFilesystem(t.TempDir(), logger)
	require.NoError(t, err)
	require.NoError(t, backend.Init(context.Background()))

	repositories, err := repository.NewManager([]config.RepositoryConfig{
		{ID: 100, Owner: testOwner, Name: "common"},
		{ID: 101, Owner: testOwner, Name: "nginx"},
	}, logger)
	require.NoError(t, err)

	releases := release.NewMemory(logger)
	builder, err := index.NewBuilder(backend, releases, repositories, index.Options{
		BaseURL:     "https://charts.example.com",
		Concurrency: 2,
	}, logger)
	require.NoError(t, err)

	indexer := &failingIndexer{Indexer: builder}
	p := New(backend, releases, repositories, indexer, Options{Limits: chart.DefaultLimits}, logger)

	return &testEnv{
		pipeline: p,
		backend:  backend,
		releases: releases,
		builder:  builder,
		indexer:  indexer,
	}
}

func (e *testEnv) upload(t *testing.T, repositoryID int64, name, version string) *release.Release {
	rel, err := e.pipeline.Upload(context.Background(), UploadRequest{
		RepositoryID: repositoryID,
		Version:      version,
		Tarball:      charttest.Chart(t, name, version),
	})
	require.NoError(t, err)
	return rel
}

func (e *testEnv) objects(t *testing.T) []string {
	var paths []string
	for _, prefix := range []string{storage.TarballsDir + "/", storage.MetadataDir + "/"} {
		objects, err := e.backend.List(context.Background(), prefix)
		require.NoError(t, err)
		for _, obj := range objects {
			paths = append(paths, obj.Path)
		}
	}
	return paths
}

func (e *testEnv) index(t *testing.T) ([]byte, *repo.IndexFile) {
	data, found, err := e.backend.Open(context.Background(), storage.IndexPath(testOwner))
	require.NoError(t, err)
	if !found {
		return nil, nil
	}
	var idx repo.IndexFile
	require.NoError(t, yaml.Unmarshal(data, &idx))
	return data, &idx
}

func TestUploadPublishesRelease(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tarball := charttest.Chart(t, "common", "0.0.1-beta")
	provenance := []byte("-----BEGIN PGP SIGNED MESSAGE-----\n")
	rel, err := env.pipeline.Upload(ctx, UploadRequest{
		RepositoryID: 100,
		Version:      "0.0.1-beta",
		Tarball:      tarball,
		Provenance:   provenance,
		UpdateText:   "first release",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.1-beta", rel.Tag)
	assert.Equal(t, "first release", rel.UpdateText)

	stored, found, err := env.backend.Open(ctx, "tarballs/42/100/common-0.0.1-beta.tar.gz")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tarball, stored)

	assert.ElementsMatch(t, []string{
		"tarballs/42/100/common-0.0.1-beta.tar.gz",
		"tarballs/42/100/common-0.0.1-beta.tar.gz.prov",
		"metadata/42/index.yaml",
		"metadata/42/100/0.0.1-beta/Chart.yaml",
		"metadata/42/100/0.0.1-beta/values.yaml",
		"metadata/42/100/0.0.1-beta/templates/deployment.yaml",
		"metadata/42/100/0.0.1-beta/templates/_helpers.tpl",
	}, env.objects(t))

	_, idx := env.index(t)
	require.NotNil(t, idx)
	require.Len(t, idx.Entries["common"], 1)
	entry := idx.Entries["common"][0]
	assert.Equal(t, "0.0.1-beta", entry.Version)
	assert.Equal(t, storage.Checksum(tarball), entry.Digest)
	assert.True(t, rel.CreatedAt.Equal(entry.Created))
}

func TestUploadRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name         string
		repositoryID int64
		version      string
		tarball      func(t *testing.T) []byte
		expectedCode customerrors.Code
	}{
		{
			name:         "Unknown repository",
			repositoryID: 999,
			version:      "1.0.0",
			tarball:      func(t *testing.T) []byte { return charttest.Chart(t, "common", "1.0.0") },
			expectedCode: customerrors.CodeEntityNotFound,
		},
		{
			name:         "Invalid version",
			repositoryID: 100,
			version:      "v1.0",
			tarball:      func(t *testing.T) []byte { return charttest.Chart(t, "common", "1.0.0") },
			expectedCode: customerrors.CodeInvalidSemver,
		},
		{
			name:         "Plain text body",
			repositoryID: 100,
			version:      "1.0.0",
			tarball:      func(*testing.T) []byte { return []byte("definitely not a chart") },
			expectedCode: customerrors.CodeInvalidTarball,
		},
		{
			name:         "Archive without Chart.yaml",
			repositoryID: 100,
			version:      "1.0.0",
			tarball: func(t *testing.T) []byte {
				return charttest.TarGz(t, charttest.Files{"common/values.yaml": "a: 1\n"})
			},
			expectedCode: customerrors.CodeInvalidTarball,
		},
		{
			name:         "Chart name differs from repository",
			repositoryID: 100,
			version:      "1.0.0",
			tarball:      func(t *testing.T) []byte { return charttest.Chart(t, "other", "1.0.0") },
			expectedCode: customerrors.CodeInvalidChartMetadata,
		},
		{
			name:         "Chart version differs from path",
			repositoryID: 100,
			version:      "1.0.0",
			tarball:      func(t *testing.T) []byte { return charttest.Chart(t, "common", "2.0.0") },
			expectedCode: customerrors.CodeInvalidChartMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)

			_, err := env.pipeline.Upload(context.Background(), UploadRequest{
				RepositoryID: tt.repositoryID,
				Version:      tt.version,
				Tarball:      tt.tarball(t),
			})
			require.Error(t, err)
			assert.Equal(t, tt.expectedCode, customerrors.CodeOf(err))

			assert.Empty(t, env.objects(t), "rejected uploads must not write anything")
			releases, err := env.releases.List(context.Background(), 100)
			require.NoError(t, err)
			assert.Empty(t, releases)
		})
	}
}

func TestUploadDuplicateVersion(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.upload(t, 100, "common", "1.0.0")

	tarballBefore, _, err := env.backend.Open(ctx, "tarballs/42/100/common-1.0.0.tar.gz")
	require.NoError(t, err)
	indexBefore, _ := env.index(t)

	// Different bytes for the same version
	replacement := charttest.TarGz(t, charttest.Files{
		"common/Chart.yaml":  charttest.ChartYAML("common", "1.0.0"),
		"common/values.yaml": "replicaCount: 5\n",
	})
	_, err = env.pipeline.Upload(ctx, UploadRequest{RepositoryID: 100, Version: "1.0.0", Tarball: replacement})
	require.Error(t, err)
	assert.True(t, customerrors.IsConflictError(err))

	tarballAfter, _, err := env.backend.Open(ctx, "tarballs/42/100/common-1.0.0.tar.gz")
	require.NoError(t, err)
	indexAfter, _ := env.index(t)
	assert.Equal(t, tarballBefore, tarballAfter)
	assert.Equal(t, indexBefore, indexAfter)
}

func TestUploadConcurrentSameVersion(t *testing.T) {
	env := setupTestEnv(t)
	const workers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.pipeline.Upload(context.Background(), UploadRequest{
				RepositoryID: 100,
				Version:      "1.0.0",
				Tarball:      charttest.Chart(t, "common", "1.0.0"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case customerrors.IsConflictError(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)
	_, idx := env.index(t)
	assert.Len(t, idx.Entries["common"], 1)
}

func TestUploadConcurrentVersionsSameOwner(t *testing.T) {
	env := setupTestEnv(t)
	versions := []string{"1.0.0", "1.0.1", "1.1.0", "2.0.0", "2.0.0-rc.1"}

	var wg sync.WaitGroup
	for _, version := range versions {
		wg.Add(2)
		go func(version string) {
			defer wg.Done()
			_, err := env.pipeline.Upload(context.Background(), UploadRequest{
				RepositoryID: 100, Version: version, Tarball: charttest.Chart(t, "common", version),
			})
			assert.NoError(t, err)
		}(version)
		go func(version string) {
			defer wg.Done()
			_, err := env.pipeline.Upload(context.Background(), UploadRequest{
				RepositoryID: 101, Version: version, Tarball: charttest.Chart(t, "nginx", version),
			})
			assert.NoError(t, err)
		}(version)
	}
	wg.Wait()

	_, idx := env.index(t)
	assert.Len(t, idx.Entries["common"], len(versions))
	assert.Len(t, idx.Entries["nginx"], len(versions))
	assert.NoError(t, env.builder.Verify(context.Background(), testOwner))
}

func TestUploadIndexFailureRollsBack(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.upload(t, 100, "common", "1.0.0")
	indexBefore, _ := env.index(t)
	objectsBefore := env.objects(t)

	env.indexer.setFail(errors.New("index backend unavailable"))
	_, err := env.pipeline.Upload(ctx, UploadRequest{
		RepositoryID: 100,
		Version:      "1.1.0",
		Tarball:      charttest.Chart(t, "common", "1.1.0"),
	})
	require.Error(t, err)

	rel, err := env.releases.Get(ctx, 100, "1.1.0")
	require.NoError(t, err)
	assert.Nil(t, rel, "release row must be rolled back")
	assert.ElementsMatch(t, objectsBefore, env.objects(t))
	indexAfter, _ := env.index(t)
	assert.Equal(t, indexBefore, indexAfter)

	// The version is free again once the index recovers
	env.indexer.setFail(nil)
	env.upload(t, 100, "common", "1.1.0")
}

func TestUploadCanceledContext(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.pipeline.Upload(ctx, UploadRequest{
		RepositoryID: 100,
		Version:      "1.0.0",
		Tarball:      charttest.Chart(t, "common", "1.0.0"),
	})
	require.Error(t, err)

	rel, err := env.releases.Get(context.Background(), 100, "1.0.0")
	require.NoError(t, err)
	assert.Nil(t, rel)
	data, _ := env.index(t)
	assert.Nil(t, data)
	assert.Empty(t, env.objects(t))
}

func TestUploadPlainTar(t *testing.T) {
	env := setupTestEnv(t)
	tarball := charttest.Tar(t, charttest.ChartFiles("common", "1.0.0"))

	_, err := env.pipeline.Upload(context.Background(), UploadRequest{RepositoryID: 100, Version: "1.0.0", Tarball: tarball})
	require.NoError(t, err)

	content, err := env.pipeline.Tarball(context.Background(), ReleaseRef{RepositoryID: 100, Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, storage.ContentTypeTar, content.ContentType)
	assert.Equal(t, tarball, content.Data)
}

func TestGetLatest(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	for _, version := range []string{"1.0.0", "1.10.0", "1.9.0", "2.0.0-beta.1"} {
		env.upload(t, 100, "common", version)
	}

	tests := []struct {
		name            string
		version         string
		allowPrerelease bool
		expected        string
	}{
		{name: "Latest skips pre-releases", version: release.AliasLatest, expected: "1.10.0"},
		{name: "Current alias", version: release.AliasCurrent, expected: "1.10.0"},
		{name: "Latest with pre-releases", version: release.AliasLatest, allowPrerelease: true, expected: "2.0.0-beta.1"},
		{name: "Exact version", version: "1.9.0", expected: "1.9.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, err := env.pipeline.Get(ctx, ReleaseRef{RepositoryID: 100, Version: tt.version, AllowPrerelease: tt.allowPrerelease})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, rel.Tag)
		})
	}

	_, err := env.pipeline.Get(ctx, ReleaseRef{RepositoryID: 101, Version: release.AliasLatest})
	assert.True(t, customerrors.IsNotFoundError(err))
	_, err = env.pipeline.Get(ctx, ReleaseRef{RepositoryID: 100, Version: "3.0.0"})
	assert.True(t, customerrors.IsNotFoundError(err))
	_, err = env.pipeline.Get(ctx, ReleaseRef{RepositoryID: 100, Version: "latest-ish"})
	assert.Equal(t, customerrors.CodeInvalidSemver, customerrors.CodeOf(err))
}

func TestList(t *testing.T) {
	env := setupTestEnv(t)
	for _, version := range []string{"0.2.0", "0.10.0", "0.10.0-alpha"} {
		env.upload(t, 100, "common", version)
	}

	releases, err := env.pipeline.List(context.Background(), 100)
	require.NoError(t, err)
	var tags []string
	for _, rel := range releases {
		tags = append(tags, rel.Tag)
	}
	assert.Equal(t, []string{"0.10.0", "0.10.0-alpha", "0.2.0"}, tags)

	_, err = env.pipeline.List(context.Background(), 999)
	assert.True(t, customerrors.IsNotFoundError(err))
}

func TestUpdate(t *testing.T) {
	env := setupTestEnv(t)
	created := env.upload(t, 100, "common", "1.0.0")
	indexBefore, _ := env.index(t)

	updated, err := env.pipeline.Update(context.Background(), 100, "1.0.0", "fixed typo")
	require.NoError(t, err)
	assert.Equal(t, "fixed typo", updated.UpdateText)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.Tag, updated.Tag)

	indexAfter, _ := env.index(t)
	assert.Equal(t, indexBefore, indexAfter, "metadata updates never touch the index")

	_, err = env.pipeline.Update(context.Background(), 100, "9.9.9", "x")
	assert.True(t, customerrors.IsNotFoundError(err))
}

func TestDelete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.pipeline.Upload(ctx, UploadRequest{
		RepositoryID: 100,
		Version:      "1.0.0",
		Tarball:      charttest.Chart(t, "common", "1.0.0"),
		Provenance:   []byte("signature"),
	})
	require.NoError(t, err)
	env.upload(t, 100, "common", "1.1.0")
	env.upload(t, 101, "nginx", "1.0.0")

	require.NoError(t, env.pipeline.Delete(ctx, 100, "1.0.0"))

	for _, p := range env.objects(t) {
		assert.NotContains(t, p, "common-1.0.0")
		assert.NotContains(t, p, "metadata/42/100/1.0.0/")
	}
	_, idx := env.index(t)
	assert.Len(t, idx.Entries["common"], 1)
	assert.Equal(t, "1.1.0", idx.Entries["common"][0].Version)
	assert.Len(t, idx.Entries["nginx"], 1)

	// Same version in a sibling repository is untouched
	_, err = env.pipeline.ChartYAML(ctx, ReleaseRef{RepositoryID: 101, Version: "1.0.0"})
	assert.NoError(t, err)

	err = env.pipeline.Delete(ctx, 100, "1.0.0")
	assert.True(t, customerrors.IsNotFoundError(err))
}

func TestDeleteIndexFailureKeepsRelease(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.upload(t, 100, "common", "1.0.0")
	objectsBefore := env.objects(t)

	env.indexer.setFail(errors.New("index backend unavailable"))
	require.Error(t, env.pipeline.Delete(ctx, 100, "1.0.0"))

	rel, err := env.releases.Get(ctx, 100, "1.0.0")
	require.NoError(t, err)
	assert.NotNil(t, rel)
	assert.ElementsMatch(t, objectsBefore, env.objects(t))
}

func TestContent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.upload(t, 100, "common", "1.0.0")
	ref := ReleaseRef{RepositoryID: 100, Version: "1.0.0"}

	chartYAML, err := env.pipeline.ChartYAML(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, storage.ContentTypeYAML, chartYAML.ContentType)
	assert.Contains(t, string(chartYAML.Data), "name: common")

	values, err := env.pipeline.ValuesYAML(ctx, ReleaseRef{RepositoryID: 100, Version: release.AliasLatest})
	require.NoError(t, err)
	assert.Equal(t, "replicaCount: 1\n", string(values.Data))

	names, err := env.pipeline.Templates(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"_helpers.tpl", "deployment.yaml"}, names)

	tmpl, err := env.pipeline.Template(ctx, ref, "deployment.yaml")
	require.NoError(t, err)
	assert.Equal(t, "kind: Deployment\n", string(tmpl.Data))
	assert.Equal(t, "deployment.yaml", tmpl.Name)

	_, err = env.pipeline.Template(ctx, ref, "missing.yaml")
	assert.True(t, customerrors.IsNotFoundError(err))

	_, err = env.pipeline.Provenance(ctx, ref)
	assert.True(t, customerrors.IsNotFoundError(err))

	tarball, err := env.pipeline.Tarball(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, storage.ContentTypeGzip, tarball.ContentType)
	assert.Equal(t, "common-1.0.0.tar.gz", tarball.Name)
}

func TestContentWithoutValues(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	tarball := charttest.TarGz(t, charttest.Files{"common/Chart.yaml": charttest.ChartYAML("common", "1.0.0")})
	_, err := env.pipeline.Upload(ctx, UploadRequest{RepositoryID: 100, Version: "1.0.0", Tarball: tarball})
	require.NoError(t, err)

	_, err = env.pipeline.ValuesYAML(ctx, ReleaseRef{RepositoryID: 100, Version: "1.0.0"})
	assert.True(t, customerrors.IsNotFoundError(err))

	names, err := env.pipeline.Templates(ctx, ReleaseRef{RepositoryID: 100, Version: "1.0.0"})
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestTemplateNameValidation(t *testing.T) {
	env := setupTestEnv(t)
	env.upload(t, 100, "common", "1.0.0")
	ref := ReleaseRef{RepositoryID: 100, Version: "1.0.0"}

	for _, name := range []string{"", "../Chart.yaml", "a/../../b", "/etc/passwd", `..\x`, "./deployment.yaml"} {
		t.Run(name, func(t *testing.T) {
			_, err := env.pipeline.Template(context.Background(), ref, name)
			require.Error(t, err)
			assert.Equal(t, customerrors.CodeInvalidPath, customerrors.CodeOf(err))
		})
	}
}

type recordingRecorder struct {
	mu         sync.Mutex
	operations []string
	uploads    []error
}

func (r *recordingRecorder) RecordOperation(operation string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, operation)
}

func (r *recordingRecorder) RecordUpload(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, err)
}

func TestRecorder(t *testing.T) {
	env := setupTestEnv(t)
	recorder := &recordingRecorder{}
	env.pipeline.recorder = recorder
	ctx := context.Background()

	env.upload(t, 100, "common", "1.0.0")
	_, err := env.pipeline.Upload(ctx, UploadRequest{RepositoryID: 100, Version: "1.0.0", Tarball: []byte("x")})
	require.Error(t, err)
	_, err = env.pipeline.Update(ctx, 100, "1.0.0", "text")
	require.NoError(t, err)
	require.NoError(t, env.pipeline.Delete(ctx, 100, "1.0.0"))

	assert.Equal(t, []string{"upload", "upload", "update", "delete"}, recorder.operations)
	require.Len(t, recorder.uploads, 2)
	assert.NoError(t, recorder.uploads[0])
	assert.True(t, customerrors.IsConflictError(recorder.uploads[1]))
}
