package repository

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Repository identifies a chart repository and the owner whose index it publishes to
type Repository struct {
	ID    int64  `json:"id"`
	Owner int64  `json:"owner"`
	Name  string `json:"name"`
}

// Store resolves repository identities. User and organization management
// lives outside the registry; this is the narrow view the engine needs.
type Store interface {
	// Get returns the repository or a NotFoundError
	Get(ctx context.Context, id int64) (*Repository, error)

	// ListByOwner returns the repositories publishing to owner's index, ordered by ID
	ListByOwner(ctx context.Context, owner int64) ([]*Repository, error)

	// Owners returns every owner with at least one repository, ascending
	Owners(ctx context.Context) ([]int64, error)
}

// Manager is a Store seeded from configuration
type Manager struct {
	mu     sync.RWMutex
	byID   map[int64]*Repository
	logger *zap.Logger
}
