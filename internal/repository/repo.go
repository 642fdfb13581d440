package repository

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NewManager creates a repository manager holding the configured repositories
func NewManager(repositories []config.RepositoryConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		byID:   make(map[int64]*Repository, len(repositories)),
		logger: logger,
	}

	for _, cfg := range repositories {
		if err := m.Register(&Repository{ID: cfg.ID, Owner: cfg.Owner, Name: cfg.Name}); err != nil {
			return nil, err
		}
	}

	m.logger.Debug("repositories loaded", zap.Int("count", len(m.byID)))
	return m, nil
}

// Register adds a repository, rejecting duplicate IDs, names unsafe for storage paths
// and a name already used by another repository of the same owner
func (m *Manager) Register(r *Repository) error {
	if !namePattern.MatchString(r.Name) || r.Name == "." || r.Name == ".." {
		return customerrors.NewConfigError("repositories.name", r.Name,
			fmt.Errorf("repository name must match %s", namePattern.String()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[r.ID]; exists {
		return customerrors.NewConfigError("repositories.id", r.ID, errors.New("duplicate repository id"))
	}
	// Owner indexes are keyed by chart name
	for _, existing := range m.byID {
		if existing.Owner == r.Owner && existing.Name == r.Name {
			return customerrors.NewConfigError("repositories.name", r.Name,
				fmt.Errorf("owner %d already has repository %d with this name", r.Owner, existing.ID))
		}
	}
	c := *r
	m.byID[r.ID] = &c

	m.logger.Debug("repository registered",
		zap.Int64("repository", r.ID),
		zap.Int64("owner", r.Owner),
		zap.String("name", r.Name))
	return nil
}

// Get returns the repository with the given ID
func (m *Manager) Get(ctx context.Context, id int64) (*Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, customerrors.NewNotFoundError("repository", strconv.FormatInt(id, 10))
	}
	c := *r
	return &c, nil
}

// ListByOwner returns the owner's repositories ordered by ID
func (m *Manager) ListByOwner(ctx context.Context, owner int64) ([]*Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var repositories []*Repository
	for _, r := range m.byID {
		if r.Owner == owner {
			c := *r
			repositories = append(repositories, &c)
		}
	}
	sort.Slice(repositories, func(i, j int) bool { return repositories[i].ID < repositories[j].ID })
	return repositories, nil
}

// Owners returns every owner with at least one repository
func (m *Manager) Owners(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int64]bool)
	var owners []int64
	for _, r := range m.byID {
		if !seen[r.Owner] {
			seen[r.Owner] = true
			owners = append(owners, r.Owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners, nil
}
