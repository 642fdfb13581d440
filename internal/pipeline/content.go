package pipeline

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/cropalato/chart-registry/internal/chart"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// ChartYAML returns the stored Chart.yaml of a release
func (p *Pipeline) ChartYAML(ctx context.Context, ref ReleaseRef) (*Content, error) {
	repo, rel, err := p.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.open(ctx, storage.ChartYAMLPath(repo.Owner, repo.ID, rel.Tag), storage.ContentTypeYAML)
}

// ValuesYAML returns the stored values.yaml of a release
func (p *Pipeline) ValuesYAML(ctx context.Context, ref ReleaseRef) (*Content, error) {
	repo, rel, err := p.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.open(ctx, storage.ValuesYAMLPath(repo.Owner, repo.ID, rel.Tag), storage.ContentTypeYAML)
}

// Templates lists the template names of a release, relative to templates/
func (p *Pipeline) Templates(ctx context.Context, ref ReleaseRef) ([]string, error) {
	repo, rel, err := p.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	prefix := storage.TemplatesPrefix(repo.Owner, repo.ID, rel.Tag)
	objects, err := p.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, strings.TrimPrefix(obj.Path, prefix))
	}
	sort.Strings(names)
	return names, nil
}

// Template returns one template of a release; nested names are allowed
func (p *Pipeline) Template(ctx context.Context, ref ReleaseRef, name string) (*Content, error) {
	if err := validateTemplateName(name); err != nil {
		return nil, err
	}
	repo, rel, err := p.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.open(ctx, storage.TemplatePath(repo.Owner, repo.ID, rel.Tag, name), "")
}

// Tarball returns the packaged chart of a release
func (p *Pipeline) Tarball(ctx context.Context, ref ReleaseRef) (*Content, error) {
	repo, rel, err := p.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	content, err := p.open(ctx, storage.TarballPath(repo.Owner, repo.ID, repo.Name, rel.Tag), storage.ContentTypeGzip)
	if err != nil {
		return nil, err
	}
	if chart.Sniff(content.Data) == chart.FormatTar {
		content.ContentType = storage.ContentTypeTar
	}
	return content, nil
}

// Provenance returns the provenance file uploaded with a release
func (p *Pipeline) Provenance(ctx context.Context, ref ReleaseRef) (*Content, error) {
	repo, rel, err := p.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.open(ctx, storage.ProvenancePath(repo.Owner, repo.ID, repo.Name, rel.Tag), storage.ContentTypeProvenance)
}

func (p *Pipeline) lookup(ctx context.Context, ref ReleaseRef) (*repository.Repository, *release.Release, error) {
	repo, err := p.repositories.Get(ctx, ref.RepositoryID)
	if err != nil {
		return nil, nil, err
	}
	rel, err := p.resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return repo, rel, nil
}

func (p *Pipeline) open(ctx context.Context, objectPath, contentType string) (*Content, error) {
	data, found, err := p.backend.Open(ctx, objectPath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, customerrors.NewNotFoundError("object", objectPath)
	}
	name := path.Base(objectPath)
	if contentType == "" {
		contentType = storage.DetectContentType(name, data)
	}
	return &Content{Name: name, ContentType: contentType, Data: data}, nil
}

func validateTemplateName(name string) error {
	invalid := name == "" ||
		strings.HasPrefix(name, "/") ||
		strings.Contains(name, `\`) ||
		path.Clean(name) != name
	if !invalid {
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				invalid = true
				break
			}
		}
	}
	if invalid {
		return customerrors.NewValidationError(customerrors.CodeInvalidPath, "name", name,
			"template name must be a relative path inside templates/")
	}
	return nil
}
