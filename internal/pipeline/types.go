package pipeline

import (
	"context"
	"time"

	"github.com/moby/locker"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/chart"
	"github.com/cropalato/chart-registry/internal/index"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
)

// UploadRequest is a chart upload for an already authorized repository
type UploadRequest struct {
	RepositoryID int64
	Version      string
	Tarball      []byte
	Provenance   []byte
	UpdateText   string
}

// ReleaseRef addresses a release by exact version or by the latest/current alias
type ReleaseRef struct {
	RepositoryID    int64
	Version         string
	AllowPrerelease bool
}

// Content is a stored file served back to clients
type Content struct {
	Name        string
	ContentType string
	Data        []byte
}

// Indexer maintains the per-owner index
type Indexer interface {
	AddEntry(ctx context.Context, owner int64, entry index.Entry) error
	RemoveEntry(ctx context.Context, owner int64, chartName, version string) error
}

// Recorder receives pipeline metrics
type Recorder interface {
	RecordOperation(operation string, duration time.Duration, err error)
	RecordUpload(err error)
}

// Options configures a Pipeline
type Options struct {
	Limits   chart.Limits
	Recorder Recorder
}

// Pipeline validates and persists chart uploads and serves the stored releases
type Pipeline struct {
	backend      storage.Backend
	releases     release.Registry
	repositories repository.Store
	indexer      Indexer

	// versions serializes uploads and deletes of one repository version
	versions *locker.Locker
	limits   chart.Limits
	recorder Recorder
	logger   *zap.Logger
}

type noopRecorder struct{}

func (noopRecorder) RecordOperation(string, time.Duration, error) {}
func (noopRecorder) RecordUpload(error)                            {}
