package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/cropalato/chart-registry/internal/chart"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

type published struct {
	repo *repository.Repository
	rel  *release.Release
}

// Rebuild regenerates the owner's index from the release registry and the
// stored Chart.yaml and tarball of every release, then replaces the stored index.
func (b *Builder) Rebuild(ctx context.Context, owner int64) (*repo.IndexFile, error) {
	return b.rebuild(ctx, owner, ReasonManual)
}

func (b *Builder) rebuild(ctx context.Context, owner int64, reason string) (*repo.IndexFile, error) {
	start := time.Now()
	logger := b.logger.With(zap.Int64("owner", owner), zap.String("reason", reason))
	logger.Info("rebuilding index")

	snapshot, err := b.publishedReleases(ctx, owner)
	if err != nil {
		return nil, err
	}

	// Object reads happen outside the owner lock
	var mu sync.Mutex
	built := make(map[string]*repo.ChartVersion, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for key, p := range snapshot {
		key, p := key, p
		g.Go(func() error {
			cv, err := b.entryFor(gctx, owner, p)
			if err != nil || cv == nil {
				return err
			}
			mu.Lock()
			built[key] = cv
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "failed to rebuild index for owner %d", owner)
	}

	unlock := b.lock(owner)
	defer unlock()

	// Reconcile with uploads and deletes that completed while entries were being read
	live, err := b.publishedReleases(ctx, owner)
	if err != nil {
		return nil, err
	}
	current, _, err := b.load(ctx, owner)
	if err != nil {
		logger.Warn("discarding unreadable index", zap.Error(err))
		current = b.skeleton()
	}

	idx := b.skeleton()
	for key, cv := range built {
		if _, ok := live[key]; ok {
			idx.Entries[cv.Name] = append(idx.Entries[cv.Name], cv)
		}
	}
	for name, versions := range current.Entries {
		for _, cv := range versions {
			key := entryKey(name, cv.Version)
			_, isLive := live[key]
			_, attempted := snapshot[key]
			if isLive && !attempted {
				idx.Entries[name] = append(idx.Entries[name], cv)
			}
		}
	}

	if err := b.persist(ctx, owner, idx); err != nil {
		return nil, err
	}
	b.recorder.IncIndexRebuild(reason)

	logger.Info("index rebuilt",
		zap.Int("entries", countEntries(idx)),
		zap.Int("skipped", len(snapshot)-len(built)),
		zap.Duration("duration", time.Since(start)))
	return idx, nil
}

// Verify compares the stored index with the release registry and the stored
// tarballs. It returns an IndexInconsistencyError listing the chart@version
// pairs that are missing, stale, listed twice or carry a wrong digest.
func (b *Builder) Verify(ctx context.Context, owner int64) error {
	expected, err := b.publishedReleases(ctx, owner)
	if err != nil {
		return err
	}

	unlock := b.lock(owner)
	idx, _, err := b.load(ctx, owner)
	unlock()
	if err != nil {
		if !errors.Is(err, errCorruptIndex) {
			return err
		}
		idx = b.skeleton()
	}

	checksums, err := b.tarballChecksums(ctx, owner, expected)
	if err != nil {
		return err
	}

	inconsistency := &customerrors.IndexInconsistencyError{Owner: owner}
	present := make(map[string]int)
	for name, versions := range idx.Entries {
		for _, cv := range versions {
			key := entryKey(name, cv.Version)
			present[key]++
			if present[key] == 2 {
				inconsistency.Duplicated = append(inconsistency.Duplicated, key)
			}

			p, ok := expected[key]
			if !ok || present[key] > 1 {
				continue
			}
			// An empty checksum means the backend does not report one
			sum := checksums[storage.TarballPath(owner, p.repo.ID, p.repo.Name, p.rel.Tag)]
			if sum != "" && sum != cv.Digest {
				inconsistency.Mismatched = append(inconsistency.Mismatched, key)
			}
		}
	}

	for key := range expected {
		if present[key] == 0 {
			inconsistency.Missing = append(inconsistency.Missing, key)
		}
	}
	for key := range present {
		if _, ok := expected[key]; !ok {
			inconsistency.Stale = append(inconsistency.Stale, key)
		}
	}

	if len(inconsistency.Missing) == 0 && len(inconsistency.Stale) == 0 &&
		len(inconsistency.Duplicated) == 0 && len(inconsistency.Mismatched) == 0 {
		return nil
	}
	sort.Strings(inconsistency.Missing)
	sort.Strings(inconsistency.Stale)
	sort.Strings(inconsistency.Duplicated)
	sort.Strings(inconsistency.Mismatched)
	return inconsistency
}

// tarballChecksums maps the stored tarball paths of every repository with a
// published release to their checksums
func (b *Builder) tarballChecksums(ctx context.Context, owner int64, releases map[string]published) (map[string]string, error) {
	listed := make(map[int64]bool)
	checksums := make(map[string]string)
	for _, p := range releases {
		if listed[p.repo.ID] {
			continue
		}
		listed[p.repo.ID] = true

		objects, err := b.backend.List(ctx, storage.RepositoryTarballsPrefix(owner, p.repo.ID))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tarballs of repository %d", p.repo.ID)
		}
		for _, obj := range objects {
			checksums[obj.Path] = obj.Checksum
		}
	}
	return checksums, nil
}

// Sweep verifies every owner's index and rebuilds the inconsistent ones.
// It returns the owners that were rebuilt.
func (b *Builder) Sweep(ctx context.Context) ([]int64, error) {
	start := time.Now()
	owners, err := b.repositories.Owners(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list owners")
	}

	var result *multierror.Error
	var rebuilt []int64
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}

		err := b.Verify(ctx, owner)
		if err == nil {
			continue
		}

		var inconsistency *customerrors.IndexInconsistencyError
		if !customerrors.As(err, &inconsistency) {
			result = multierror.Append(result, errors.Wrapf(err, "failed to verify index for owner %d", owner))
			continue
		}

		b.logger.Warn("index drift detected",
			zap.Int64("owner", owner),
			zap.Strings("missing", inconsistency.Missing),
			zap.Strings("stale", inconsistency.Stale),
			zap.Strings("duplicated", inconsistency.Duplicated),
			zap.Strings("mismatched", inconsistency.Mismatched))

		if _, err := b.rebuild(ctx, owner, ReasonDrift); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		rebuilt = append(rebuilt, owner)
	}

	b.logger.Debug("index sweep completed",
		zap.Int("owners", len(owners)),
		zap.Int("rebuilt", len(rebuilt)),
		zap.Duration("duration", time.Since(start)))
	return rebuilt, result.ErrorOrNil()
}

// publishedReleases maps chart@version to every release of the owner's repositories
func (b *Builder) publishedReleases(ctx context.Context, owner int64) (map[string]published, error) {
	repositories, err := b.repositories.ListByOwner(ctx, owner)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list repositories of owner %d", owner)
	}

	out := make(map[string]published)
	for _, r := range repositories {
		releases, err := b.releases.List(ctx, r.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list releases of repository %d", r.ID)
		}
		for _, rel := range releases {
			out[entryKey(r.Name, rel.Tag)] = published{repo: r, rel: rel}
		}
	}
	return out, nil
}

// entryFor reads back a release's objects; nil without error means the release is skipped
func (b *Builder) entryFor(ctx context.Context, owner int64, p published) (*repo.ChartVersion, error) {
	logger := b.logger.With(
		zap.Int64("owner", owner),
		zap.Int64("repository", p.repo.ID),
		zap.String("version", p.rel.Tag))

	chartYAML, found, err := b.backend.Open(ctx, storage.ChartYAMLPath(owner, p.repo.ID, p.rel.Tag))
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("Chart.yaml missing, skipping release")
		return nil, nil
	}

	tarball, found, err := b.backend.Open(ctx, storage.TarballPath(owner, p.repo.ID, p.repo.Name, p.rel.Tag))
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("tarball missing, skipping release")
		return nil, nil
	}

	md, err := chart.DecodeMetadata(chartYAML)
	if err != nil {
		logger.Warn("stored Chart.yaml is invalid, skipping release", zap.Error(err))
		return nil, nil
	}

	return &repo.ChartVersion{
		Metadata: md,
		URLs:     b.urls.For(owner, p.repo.ID, md.Name, md.Version),
		Created:  p.rel.CreatedAt.UTC(),
		Digest:   storage.Checksum(tarball),
	}, nil
}
