package index

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/moby/locker"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"

	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

var errCorruptIndex = errors.New("stored index is not a valid index document")

// NewBuilder creates an index builder
func NewBuilder(
	backend storage.Backend,
	releases release.Registry,
	repositories repository.Store,
	opts Options,
	logger *zap.Logger,
) (*Builder, error) {
	urls, err := NewURLs(opts.BaseURL, opts.CDNURL)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		backend:      backend,
		releases:     releases,
		repositories: repositories,
		locks:        locker.New(),
		urls:         urls,
		concurrency:  opts.Concurrency,
		recorder:     opts.Recorder,
		now:          opts.Now,
		logger:       logger,
	}
	if b.concurrency <= 0 {
		b.concurrency = 1
	}
	if b.recorder == nil {
		b.recorder = noopRecorder{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	if opts.CacheSize > 0 {
		if b.cache, err = lru.New(opts.CacheSize); err != nil {
			return nil, customerrors.NewConfigError("index.cache_size", opts.CacheSize, err)
		}
	}
	return b, nil
}

// AddEntry publishes a release in the owner's index. A version already
// present is a VERSION_EXISTS conflict and leaves the index untouched, unless
// the stored entry is this very release.
func (b *Builder) AddEntry(ctx context.Context, owner int64, entry Entry) error {
	md := entry.Metadata
	logger := b.logger.With(
		zap.Int64("owner", owner),
		zap.Int64("repository", entry.RepositoryID),
		zap.String("chart", md.Name),
		zap.String("version", md.Version))

	unlock := b.lock(owner)
	defer unlock()

	idx, _, err := b.load(ctx, owner)
	if err != nil {
		return err
	}

	if i := find(idx, md.Name, md.Version); i >= 0 {
		// A rebuild may already have published this exact release
		existing := idx.Entries[md.Name][i]
		if existing.Digest == entry.Digest && existing.Created.Equal(entry.Created) {
			logger.Debug("index entry already present")
			return nil
		}
		return customerrors.NewVersionExistsError(entryKey(md.Name, md.Version))
	}

	idx.Entries[md.Name] = append(idx.Entries[md.Name], &repo.ChartVersion{
		Metadata: md,
		URLs:     b.urls.For(owner, entry.RepositoryID, md.Name, md.Version),
		Created:  entry.Created.UTC(),
		Digest:   entry.Digest,
	})

	if err := b.persist(ctx, owner, idx); err != nil {
		return err
	}

	logger.Info("index entry added")
	return nil
}

// RemoveEntry drops a version from the owner's index. Removing an absent entry succeeds.
func (b *Builder) RemoveEntry(ctx context.Context, owner int64, chartName, version string) error {
	unlock := b.lock(owner)
	defer unlock()

	idx, found, err := b.load(ctx, owner)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	i := find(idx, chartName, version)
	if i < 0 {
		return nil
	}

	versions := idx.Entries[chartName]
	versions = append(versions[:i], versions[i+1:]...)
	if len(versions) == 0 {
		delete(idx.Entries, chartName)
	} else {
		idx.Entries[chartName] = versions
	}

	if err := b.persist(ctx, owner, idx); err != nil {
		return err
	}

	b.logger.Info("index entry removed",
		zap.Int64("owner", owner),
		zap.String("chart", chartName),
		zap.String("version", version))
	return nil
}

// Document returns the serialized index of owner, an empty index when none is stored
func (b *Builder) Document(ctx context.Context, owner int64) ([]byte, error) {
	if data, ok := b.cached(owner); ok {
		return data, nil
	}

	// Misses fill the cache under the lock so a concurrent write cannot be overwritten by stale bytes
	unlock := b.lock(owner)
	defer unlock()

	if data, ok := b.cached(owner); ok {
		return data, nil
	}

	data, found, err := b.backend.Open(ctx, storage.IndexPath(owner))
	if err != nil {
		return nil, err
	}
	if !found {
		if data, err = yaml.Marshal(b.skeleton()); err != nil {
			return nil, errors.Wrap(err, "failed to encode index")
		}
	}

	b.cacheAdd(owner, data)
	return data, nil
}

// Get returns the decoded index of owner
func (b *Builder) Get(ctx context.Context, owner int64) (*repo.IndexFile, error) {
	data, err := b.Document(ctx, owner)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (b *Builder) lock(owner int64) func() {
	key := strconv.FormatInt(owner, 10)
	b.locks.Lock(key)
	return func() {
		_ = b.locks.Unlock(key)
	}
}

func (b *Builder) skeleton() *repo.IndexFile {
	idx := repo.NewIndexFile()
	idx.Generated = b.now().UTC()
	return idx
}

// load reads the stored index; the caller must hold the owner lock
func (b *Builder) load(ctx context.Context, owner int64) (*repo.IndexFile, bool, error) {
	data, found, err := b.backend.Open(ctx, storage.IndexPath(owner))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return b.skeleton(), false, nil
	}

	idx, err := decode(data)
	if err != nil {
		b.logger.Error("stored index is corrupt", zap.Int64("owner", owner), zap.Error(err))
		return nil, true, err
	}
	return idx, true, nil
}

// persist sorts, stamps and writes idx; the caller must hold the owner lock
func (b *Builder) persist(ctx context.Context, owner int64, idx *repo.IndexFile) error {
	idx.SortEntries()
	idx.Generated = b.now().UTC()

	data, err := yaml.Marshal(idx)
	if err != nil {
		return errors.Wrap(err, "failed to encode index")
	}

	if err := b.backend.Upload(ctx, storage.IndexPath(owner), data, storage.ContentTypeYAML); err != nil {
		b.cacheRemove(owner)
		return err
	}

	b.cacheAdd(owner, data)
	b.recorder.SetIndexEntries(owner, countEntries(idx))
	return nil
}

func (b *Builder) cached(owner int64) ([]byte, bool) {
	if b.cache == nil {
		return nil, false
	}
	v, ok := b.cache.Get(owner)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (b *Builder) cacheAdd(owner int64, data []byte) {
	if b.cache != nil {
		b.cache.Add(owner, data)
	}
}

func (b *Builder) cacheRemove(owner int64) {
	if b.cache != nil {
		b.cache.Remove(owner)
	}
}

func decode(data []byte) (*repo.IndexFile, error) {
	idx := &repo.IndexFile{}
	if err := yaml.Unmarshal(data, idx); err != nil {
		return nil, errors.Wrap(errCorruptIndex, err.Error())
	}
	if idx.APIVersion == "" {
		return nil, errors.Wrap(errCorruptIndex, "missing apiVersion")
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]repo.ChartVersions)
	}
	for name, versions := range idx.Entries {
		kept := versions[:0]
		for _, cv := range versions {
			if cv != nil && cv.Metadata != nil {
				kept = append(kept, cv)
			}
		}
		idx.Entries[name] = kept
	}
	return idx, nil
}

// find returns the position of an exact version match, or -1
func find(idx *repo.IndexFile, chartName, version string) int {
	for i, cv := range idx.Entries[chartName] {
		if cv.Version == version {
			return i
		}
	}
	return -1
}

func countEntries(idx *repo.IndexFile) int {
	n := 0
	for _, versions := range idx.Entries {
		n += len(versions)
	}
	return n
}

func entryKey(chartName, version string) string {
	return chartName + "@" + version
}
