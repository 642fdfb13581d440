package release

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// Memory is a process-local Registry
type Memory struct {
	mu       sync.RWMutex
	releases map[int64]map[string]*Release
	opts     options
	logger   *zap.Logger
}

// NewMemory creates an empty in-memory registry
func NewMemory(logger *zap.Logger, opts ...Option) *Memory {
	return &Memory{
		releases: make(map[int64]map[string]*Release),
		opts:     buildOptions(opts),
		logger:   logger.With(zap.String("registry", "memory")),
	}
}

// Create records a new release
func (m *Memory) Create(ctx context.Context, repositoryID int64, tag, updateText string) (*Release, error) {
	if _, err := ParseTag(tag); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byTag, ok := m.releases[repositoryID]
	if !ok {
		byTag = make(map[string]*Release)
		m.releases[repositoryID] = byTag
	}
	if _, exists := byTag[tag]; exists {
		return nil, customerrors.NewVersionExistsError(Key(repositoryID, tag))
	}

	now := m.opts.now().UTC()
	rel := &Release{
		ID:           uuid.New(),
		RepositoryID: repositoryID,
		Tag:          tag,
		UpdateText:   updateText,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	byTag[tag] = rel

	m.logger.Debug("release created",
		zap.Int64("repository", repositoryID),
		zap.String("version", tag))

	c := *rel
	return &c, nil
}

// Restore records a release recovered from storage
func (m *Memory) Restore(ctx context.Context, rel *Release) error {
	if _, err := ParseTag(rel.Tag); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byTag, ok := m.releases[rel.RepositoryID]
	if !ok {
		byTag = make(map[string]*Release)
		m.releases[rel.RepositoryID] = byTag
	}
	if _, exists := byTag[rel.Tag]; exists {
		return customerrors.NewVersionExistsError(rel.Key())
	}

	c := *rel
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	byTag[rel.Tag] = &c

	m.logger.Debug("release restored",
		zap.Int64("repository", rel.RepositoryID),
		zap.String("version", rel.Tag))
	return nil
}

// Get returns the release, or nil when absent
func (m *Memory) Get(ctx context.Context, repositoryID int64, tag string) (*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rel, ok := m.releases[repositoryID][tag]
	if !ok {
		return nil, nil
	}
	c := *rel
	return &c, nil
}

// List returns every release, highest version first
func (m *Memory) List(ctx context.Context, repositoryID int64) ([]*Release, error) {
	m.mu.RLock()
	releases := make([]*Release, 0, len(m.releases[repositoryID]))
	for _, rel := range m.releases[repositoryID] {
		c := *rel
		releases = append(releases, &c)
	}
	m.mu.RUnlock()

	Sort(releases)
	return releases, nil
}

// Latest returns the highest qualifying release
func (m *Memory) Latest(ctx context.Context, repositoryID int64, allowPrerelease bool) (*Release, error) {
	releases, err := m.List(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	return SelectLatest(releases, allowPrerelease), nil
}

// Update replaces the update text of an existing release
func (m *Memory) Update(ctx context.Context, rel *Release, updateText string) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.releases[rel.RepositoryID][rel.Tag]
	if !ok {
		return nil, customerrors.NewNotFoundError("release", rel.Key())
	}
	stored.UpdateText = updateText
	stored.UpdatedAt = m.opts.now().UTC()

	c := *stored
	return &c, nil
}

// Delete removes the release
func (m *Memory) Delete(ctx context.Context, rel *Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTag := m.releases[rel.RepositoryID]
	if _, ok := byTag[rel.Tag]; !ok {
		return customerrors.NewNotFoundError("release", rel.Key())
	}
	delete(byTag, rel.Tag)
	if len(byTag) == 0 {
		delete(m.releases, rel.RepositoryID)
	}
	return nil
}
