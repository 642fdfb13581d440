package index

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const tarballSuffix = ".tar.gz"

// Restore records in registry every release whose tarball and Chart.yaml are still
// stored but which the registry does not know about. Creation times come from
// the owner's stored index when it lists the release, else from the tarball.
// Update texts live only in the registry and are not recovered.
// It returns the number of restored releases.
func (b *Builder) Restore(ctx context.Context, registry release.Restorer) (int, error) {
	owners, err := b.repositories.Owners(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list owners")
	}

	var result *multierror.Error
	restored := 0
	for _, owner := range owners {
		n, err := b.restoreOwner(ctx, owner, registry)
		restored += n
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to restore releases of owner %d", owner))
		}
	}

	b.logger.Info("releases restored from storage", zap.Int("restored", restored))
	return restored, result.ErrorOrNil()
}

func (b *Builder) restoreOwner(ctx context.Context, owner int64, registry release.Restorer) (int, error) {
	repositories, err := b.repositories.ListByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}

	unlock := b.lock(owner)
	idx, _, err := b.load(ctx, owner)
	unlock()
	if err != nil {
		if !errors.Is(err, errCorruptIndex) {
			return 0, err
		}
		idx = b.skeleton()
	}

	restored := 0
	for _, r := range repositories {
		objects, err := b.backend.List(ctx, storage.RepositoryTarballsPrefix(owner, r.ID))
		if err != nil {
			return restored, err
		}

		for _, obj := range objects {
			logger := b.logger.With(
				zap.Int64("owner", owner),
				zap.Int64("repository", r.ID),
				zap.String("path", obj.Path))

			version, ok := tarballVersion(r.Name, obj.Path)
			if !ok {
				continue
			}
			if _, err := release.ParseTag(version); err != nil {
				logger.Warn("tarball name carries no valid version, skipping")
				continue
			}

			found, err := b.backend.Exists(ctx, storage.ChartYAMLPath(owner, r.ID, version))
			if err != nil {
				return restored, err
			}
			if !found {
				logger.Warn("Chart.yaml missing, not restoring release")
				continue
			}

			created := obj.CreatedAt
			if i := find(idx, r.Name, version); i >= 0 && !idx.Entries[r.Name][i].Created.IsZero() {
				created = idx.Entries[r.Name][i].Created
			}

			err = registry.Restore(ctx, &release.Release{
				ID:           uuid.New(),
				RepositoryID: r.ID,
				Tag:          version,
				CreatedAt:    created.UTC(),
			})
			if customerrors.IsConflictError(err) {
				continue
			}
			if err != nil {
				return restored, err
			}
			restored++
		}
	}
	return restored, nil
}

// tarballVersion extracts the version from a "{name}-{version}.tar.gz" object path
func tarballVersion(name, objectPath string) (string, bool) {
	base := path.Base(objectPath)
	if !strings.HasPrefix(base, name+"-") || !strings.HasSuffix(base, tarballSuffix) {
		return "", false
	}
	version := strings.TrimSuffix(strings.TrimPrefix(base, name+"-"), tarballSuffix)
	return version, version != ""
}
