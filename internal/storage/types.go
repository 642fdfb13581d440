package storage

import (
	"context"
	"time"
)

// Backend is a byte-object store. Paths are slash separated and relative to
// the backend root; a leading "./" is accepted and ignored.
type Backend interface {
	// Name returns the backend variant name, e.g. "filesystem"
	Name() string

	// Init prepares the backend (directories, bucket) before first use
	Init(ctx context.Context) error

	// Open returns the object bytes. A missing object yields found=false and a nil error.
	Open(ctx context.Context, path string) (data []byte, found bool, err error)

	// Upload writes data at path, replacing any previous object
	Upload(ctx context.Context, path string, data []byte, contentType string) error

	// Delete removes the object and reports whether it existed
	Delete(ctx context.Context, path string) (bool, error)

	// Exists reports whether an object, or any object below path, exists
	Exists(ctx context.Context, path string) (bool, error)

	// List returns every object whose path starts with prefix
	List(ctx context.Context, prefix string) ([]Object, error)
}

// Object describes a stored object
type Object struct {
	Path         string    `json:"path"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// Observer receives the outcome of every backend call
type Observer interface {
	ObserveStorage(backend, operation string, duration time.Duration, err error)
}

// Content types used by the registry
const (
	ContentTypeGzip       = "application/gzip"
	ContentTypeTar        = "application/x-tar"
	ContentTypeYAML       = "application/yaml; charset=utf-8"
	ContentTypeProvenance = "application/pgp-signature"
	ContentTypeOctet      = "application/octet-stream"
	ContentTypeText       = "text/plain; charset=utf-8"
)

// Backend names
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendMinIO      = "minio"
)

// Top-level prefixes every backend holds
const (
	TarballsDir = "tarballs"
	MetadataDir = "metadata"
)

// metadataChecksumKey is the user-metadata key object stores keep the sha256 under
const metadataChecksumKey = "sha256"
