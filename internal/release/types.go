package release

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Release is one published version of a repository's chart
type Release struct {
	ID           uuid.UUID `json:"id"`
	RepositoryID int64     `json:"repository_id"`
	Tag          string    `json:"tag"`
	UpdateText   string    `json:"update_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key identifies the release in error messages and logs
func (r *Release) Key() string {
	return Key(r.RepositoryID, r.Tag)
}

// Registry is the durable record of which versions exist for a repository.
// Tags are unique per repository; Create fails with VERSION_EXISTS otherwise.
type Registry interface {
	// Create records a new release
	Create(ctx context.Context, repositoryID int64, tag, updateText string) (*Release, error)

	// Get returns the release, or nil and no error when absent
	Get(ctx context.Context, repositoryID int64, tag string) (*Release, error)

	// List returns every release of the repository, highest version first
	List(ctx context.Context, repositoryID int64) ([]*Release, error)

	// Latest returns the release with the highest precedence, or nil when none qualifies.
	// Pre-releases are ignored unless allowPrerelease is set.
	Latest(ctx context.Context, repositoryID int64, allowPrerelease bool) (*Release, error)

	// Update replaces the update text of an existing release
	Update(ctx context.Context, rel *Release, updateText string) (*Release, error)

	// Delete removes the release; a missing release is a NotFoundError
	Delete(ctx context.Context, rel *Release) error
}

// Restorer is implemented by registries that do not outlive the process.
// Restore records a release recovered from storage, keeping its ID and
// timestamps; an existing tag is a VERSION_EXISTS conflict.
type Restorer interface {
	Restore(ctx context.Context, rel *Release) error
}

// Option configures a registry implementation
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for CreatedAt and UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
