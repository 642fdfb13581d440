package index

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/moby/locker"
	"go.uber.org/zap"
	helmchart "helm.sh/helm/v3/pkg/chart"

	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
)

// Entry is one committed release to publish in an owner's index
type Entry struct {
	RepositoryID int64
	Metadata     *helmchart.Metadata
	Digest       string
	Created      time.Time
}

// Recorder receives index metrics
type Recorder interface {
	SetIndexEntries(owner int64, count int)
	IncIndexRebuild(reason string)
}

// Options configures a Builder
type Options struct {
	// BaseURL is the public URL of the API; download URLs are relative when empty
	BaseURL string

	// CDNURL serves the storage tarballs directory directly when set
	CDNURL string

	// CacheSize is the number of serialized indexes kept in memory; 0 disables caching
	CacheSize int

	// Concurrency bounds the releases processed in parallel by Rebuild
	Concurrency int

	Recorder Recorder

	// Now overrides the clock used for the generated timestamp
	Now func() time.Time
}

// Rebuild reasons reported to the Recorder
const (
	ReasonManual = "manual"
	ReasonDrift  = "drift"
)

// Builder maintains one index.yaml per owner. Every read-modify-write of an
// owner's index runs under that owner's lock.
type Builder struct {
	backend      storage.Backend
	releases     release.Registry
	repositories repository.Store

	locks       *locker.Locker
	cache       *lru.Cache
	urls        URLs
	concurrency int
	recorder    Recorder
	now         func() time.Time
	logger      *zap.Logger
}

type noopRecorder struct{}

func (noopRecorder) SetIndexEntries(int64, int) {}
func (noopRecorder) IncIndexRebuild(string)     {}
