package pipeline

import (
	"context"
	"time"

	"github.com/moby/locker"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/chart"
	"github.com/cropalato/chart-registry/internal/index"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// New creates an ingestion pipeline
func New(
	backend storage.Backend,
	releases release.Registry,
	repositories repository.Store,
	indexer Indexer,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Pipeline{
		backend:      backend,
		releases:     releases,
		repositories: repositories,
		indexer:      indexer,
		versions:     locker.New(),
		limits:       opts.Limits,
		recorder:     recorder,
		logger:       logger,
	}
}

// Upload validates a chart archive, stores it with its metadata files, records
// the release and publishes it in the owner's index. The release is visible
// only once every step has succeeded.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (rel *release.Release, err error) {
	start := time.Now()
	defer func() {
		p.recorder.RecordOperation("upload", time.Since(start), err)
		p.recorder.RecordUpload(err)
	}()

	repo, err := p.repositories.Get(ctx, req.RepositoryID)
	if err != nil {
		return nil, err
	}
	logger := p.logger.With(
		zap.Int64("owner", repo.Owner),
		zap.Int64("repository", repo.ID),
		zap.String("version", req.Version))

	if _, err := release.ParseTag(req.Version); err != nil {
		return nil, err
	}

	unlock := p.lockVersion(repo.ID, req.Version)
	defer unlock()

	existing, err := p.releases.Get(ctx, repo.ID, req.Version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, customerrors.NewVersionExistsError(existing.Key())
	}

	if chart.Sniff(req.Tarball) == chart.FormatUnknown {
		return nil, customerrors.NewValidationError(customerrors.CodeInvalidTarball, "tarball", nil,
			"content is neither a gzip nor a tar archive")
	}

	archive, err := chart.Load(req.Tarball, p.limits)
	if err != nil {
		return nil, err
	}
	if err := chart.CheckIdentity(archive.Metadata, repo.Name, req.Version); err != nil {
		return nil, err
	}

	digest := storage.Checksum(req.Tarball)

	written, err := p.persist(ctx, repo, req, archive)
	if err != nil {
		p.cleanup(context.WithoutCancel(ctx), logger, written)
		return nil, err
	}

	// Past this point the client going away must not leave a half published release
	if err := ctx.Err(); err != nil {
		p.cleanup(context.WithoutCancel(ctx), logger, written)
		return nil, err
	}
	commitCtx := context.WithoutCancel(ctx)

	rel, err = p.releases.Create(commitCtx, repo.ID, req.Version, req.UpdateText)
	if err != nil {
		if !customerrors.IsConflictError(err) {
			// A conflict means another writer owns these objects now
			p.cleanup(commitCtx, logger, written)
		}
		return nil, err
	}

	err = p.indexer.AddEntry(commitCtx, repo.Owner, index.Entry{
		RepositoryID: repo.ID,
		Metadata:     archive.Metadata,
		Digest:       digest,
		Created:      rel.CreatedAt,
	})
	if err != nil {
		logger.Error("failed to publish release in index, rolling back", zap.Error(err))
		if delErr := p.releases.Delete(commitCtx, rel); delErr != nil {
			logger.Error("failed to remove release row, left for the index sweep", zap.Error(delErr))
		}
		p.cleanup(commitCtx, logger, written)
		return nil, err
	}

	logger.Info("release published",
		zap.String("digest", digest),
		zap.Int("size", len(req.Tarball)),
		zap.Int("templates", len(archive.Templates)),
		zap.Bool("provenance", len(req.Provenance) > 0),
		zap.Duration("duration", time.Since(start)))
	return rel, nil
}

// persist writes the tarball and extracted files, returning every path written so far
func (p *Pipeline) persist(ctx context.Context, repo *repository.Repository, req UploadRequest, archive *chart.Archive) ([]string, error) {
	type object struct {
		path        string
		data        []byte
		contentType string
	}

	contentType := storage.ContentTypeGzip
	if archive.Format == chart.FormatTar {
		contentType = storage.ContentTypeTar
	}

	objects := []object{
		{storage.TarballPath(repo.Owner, repo.ID, repo.Name, req.Version), req.Tarball, contentType},
		{storage.ChartYAMLPath(repo.Owner, repo.ID, req.Version), archive.ChartYAML, storage.ContentTypeYAML},
	}
	if len(req.Provenance) > 0 {
		objects = append(objects, object{storage.ProvenancePath(repo.Owner, repo.ID, repo.Name, req.Version), req.Provenance, storage.ContentTypeProvenance})
	}
	if archive.Values != nil {
		objects = append(objects, object{storage.ValuesYAMLPath(repo.Owner, repo.ID, req.Version), archive.Values, storage.ContentTypeYAML})
	}
	for _, name := range archive.TemplateNames() {
		objects = append(objects, object{
			storage.TemplatePath(repo.Owner, repo.ID, req.Version, name),
			archive.Templates[name],
			storage.DetectContentType(name, archive.Templates[name]),
		})
	}

	written := make([]string, 0, len(objects))
	for _, obj := range objects {
		if err := p.backend.Upload(ctx, obj.path, obj.data, obj.contentType); err != nil {
			return written, errors.Wrapf(err, "failed to store %s", obj.path)
		}
		written = append(written, obj.path)
	}
	return written, nil
}

// cleanup removes objects of a failed upload; leftovers are harmless to the index
func (p *Pipeline) cleanup(ctx context.Context, logger *zap.Logger, paths []string) {
	for _, path := range paths {
		if _, err := p.backend.Delete(ctx, path); err != nil {
			logger.Warn("failed to remove object of failed upload",
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) lockVersion(repositoryID int64, version string) func() {
	key := release.Key(repositoryID, version)
	p.versions.Lock(key)
	return func() {
		_ = p.versions.Unlock(key)
	}
}
