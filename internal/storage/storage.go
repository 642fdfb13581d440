package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// New creates the single backend selected by cfg
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch {
	case cfg.Filesystem != nil:
		return NewFilesystem(cfg.Filesystem.Directory, logger)
	case cfg.S3 != nil:
		return NewS3(ctx, *cfg.S3, logger)
	default:
		return NewMinIO(*cfg.MinIO, logger)
	}
}

// Normalize cleans a caller supplied path and rejects anything escaping the root.
// The empty string and "./" both denote the root.
func Normalize(p string) (string, error) {
	trailing := strings.HasSuffix(p, "/")
	for strings.HasPrefix(p, "./") {
		p = strings.TrimPrefix(p, "./")
	}

	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", invalidPath(p)
	}

	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", invalidPath(p)
	}

	// Prefix listings rely on the trailing slash to stop at a directory boundary
	if trailing {
		cleaned += "/"
	}
	return cleaned, nil
}

// Checksum returns the hex sha256 of data
func Checksum(data []byte) string {
	return digest.FromBytes(data).Encoded()
}

func invalidPath(p string) error {
	return customerrors.NewValidationError(customerrors.CodeInvalidPath, "path", p, "path escapes the storage root")
}

// objectKey joins a bucket key prefix with a normalized path
func objectKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}
	if rel == "" {
		return prefix + "/"
	}
	return prefix + "/" + rel
}

// relativeKey strips the bucket key prefix from key
func relativeKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

type observed struct {
	Backend
	observer Observer
}

// WithObserver reports the duration and outcome of every call on b to observer
func WithObserver(b Backend, observer Observer) Backend {
	if observer == nil {
		return b
	}
	return &observed{Backend: b, observer: observer}
}

func (o *observed) record(op string, start time.Time, err error) {
	o.observer.ObserveStorage(o.Backend.Name(), op, time.Since(start), err)
}

func (o *observed) Init(ctx context.Context) error {
	start := time.Now()
	err := o.Backend.Init(ctx)
	o.record("init", start, err)
	return err
}

func (o *observed) Open(ctx context.Context, p string) ([]byte, bool, error) {
	start := time.Now()
	data, found, err := o.Backend.Open(ctx, p)
	o.record("open", start, err)
	return data, found, err
}

func (o *observed) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	start := time.Now()
	err := o.Backend.Upload(ctx, p, data, contentType)
	o.record("upload", start, err)
	return err
}

func (o *observed) Delete(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	deleted, err := o.Backend.Delete(ctx, p)
	o.record("delete", start, err)
	return deleted, err
}

func (o *observed) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	exists, err := o.Backend.Exists(ctx, p)
	o.record("exists", start, err)
	return exists, err
}

func (o *observed) List(ctx context.Context, prefix string) ([]Object, error) {
	start := time.Now()
	objects, err := o.Backend.List(ctx, prefix)
	o.record("list", start, err)
	return objects, err
}
