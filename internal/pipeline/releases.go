package pipeline

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// List returns every release of a repository, highest version first
func (p *Pipeline) List(ctx context.Context, repositoryID int64) ([]*release.Release, error) {
	if _, err := p.repositories.Get(ctx, repositoryID); err != nil {
		return nil, err
	}
	return p.releases.List(ctx, repositoryID)
}

// Get resolves a release by version or by the latest/current alias
func (p *Pipeline) Get(ctx context.Context, ref ReleaseRef) (*release.Release, error) {
	if _, err := p.repositories.Get(ctx, ref.RepositoryID); err != nil {
		return nil, err
	}
	return p.resolve(ctx, ref)
}

// Update replaces the update text of an existing release
func (p *Pipeline) Update(ctx context.Context, repositoryID int64, version, updateText string) (rel *release.Release, err error) {
	start := time.Now()
	defer func() { p.recorder.RecordOperation("update", time.Since(start), err) }()

	if _, err := p.repositories.Get(ctx, repositoryID); err != nil {
		return nil, err
	}
	existing, err := p.resolve(ctx, ReleaseRef{RepositoryID: repositoryID, Version: version})
	if err != nil {
		return nil, err
	}
	return p.releases.Update(ctx, existing, updateText)
}

// Delete withdraws a release from the index, removes its record and then its
// objects. Object removal failures are reported but leave the release deleted.
func (p *Pipeline) Delete(ctx context.Context, repositoryID int64, version string) (err error) {
	start := time.Now()
	defer func() { p.recorder.RecordOperation("delete", time.Since(start), err) }()

	repo, err := p.repositories.Get(ctx, repositoryID)
	if err != nil {
		return err
	}
	if _, err := release.ParseTag(version); err != nil {
		return err
	}

	unlock := p.lockVersion(repo.ID, version)
	defer unlock()

	rel, err := p.releases.Get(ctx, repo.ID, version)
	if err != nil {
		return err
	}
	if rel == nil {
		return customerrors.NewNotFoundError("release", release.Key(repo.ID, version))
	}

	logger := p.logger.With(
		zap.Int64("owner", repo.Owner),
		zap.Int64("repository", repo.ID),
		zap.String("version", version))

	// The index goes first so no client resolves a version whose objects are gone
	if err := p.indexer.RemoveEntry(ctx, repo.Owner, repo.Name, version); err != nil {
		return err
	}
	if err := p.releases.Delete(ctx, rel); err != nil {
		return err
	}

	if err := p.removeObjects(context.WithoutCancel(ctx), repo, version); err != nil {
		logger.Warn("release deleted with leftover objects", zap.Error(err))
		return err
	}

	logger.Info("release deleted", zap.Duration("duration", time.Since(start)))
	return nil
}

func (p *Pipeline) removeObjects(ctx context.Context, repo *repository.Repository, version string) error {
	var result *multierror.Error

	paths := []string{
		storage.TarballPath(repo.Owner, repo.ID, repo.Name, version),
		storage.ProvenancePath(repo.Owner, repo.ID, repo.Name, version),
	}
	objects, err := p.backend.List(ctx, storage.ReleaseMetadataPrefix(repo.Owner, repo.ID, version))
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, obj := range objects {
		paths = append(paths, obj.Path)
	}

	for _, path := range paths {
		if _, err := p.backend.Delete(ctx, path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// resolve finds a release of a repository known to exist
func (p *Pipeline) resolve(ctx context.Context, ref ReleaseRef) (*release.Release, error) {
	var (
		rel *release.Release
		err error
	)
	if release.IsAlias(ref.Version) {
		rel, err = p.releases.Latest(ctx, ref.RepositoryID, ref.AllowPrerelease)
	} else {
		if _, err := release.ParseTag(ref.Version); err != nil {
			return nil, err
		}
		rel, err = p.releases.Get(ctx, ref.RepositoryID, ref.Version)
	}
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, customerrors.NewNotFoundError("release", release.Key(ref.RepositoryID, ref.Version))
	}
	return rel, nil
}
