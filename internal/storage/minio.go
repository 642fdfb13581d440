package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// MinIO stores objects in a MinIO (or any S3 compatible) bucket using the minio client
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
	region string
	logger *zap.Logger
}

// NewMinIO creates a MinIO backend from cfg
func NewMinIO(cfg config.MinIOConfig, logger *zap.Logger) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, customerrors.NewConfigError("storage.minio.endpoint", cfg.Endpoint, errors.Wrap(err, "failed to create minio client"))
	}

	return &MinIO{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		region: cfg.Region,
		logger: logger.With(zap.String("backend", BackendMinIO), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Name returns the backend name
func (m *MinIO) Name() string { return BackendMinIO }

// Init creates the bucket when it does not exist yet
func (m *MinIO) Init(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return customerrors.WrapStorageError(err, "init", BackendMinIO, m.bucket)
	}
	if exists {
		return nil
	}

	m.logger.Warn("bucket does not exist, creating it")
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return customerrors.WrapStorageError(err, "init", BackendMinIO, m.bucket)
	}
	return nil
}

// Open downloads the object at p
func (m *MinIO) Open(ctx context.Context, p string) ([]byte, bool, error) {
	key, err := m.key(p)
	if err != nil {
		return nil, false, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return nil, false, nil
		}
		return nil, false, customerrors.WrapStorageError(err, "open", BackendMinIO, p)
	}
	defer obj.Close()

	// GetObject is lazy; errors such as NoSuchKey surface on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinIONotFound(err) {
			return nil, false, nil
		}
		return nil, false, customerrors.WrapStorageError(err, "open", BackendMinIO, p)
	}
	return data, true, nil
}

// Upload puts the object at p with its sha256 in user metadata
func (m *MinIO) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	key, err := m.key(p)
	if err != nil {
		return err
	}

	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{metadataChecksumKey: Checksum(data)},
	})
	if err != nil {
		return customerrors.WrapStorageError(err, "upload", BackendMinIO, p)
	}
	return nil
}

// Delete removes the object at p
func (m *MinIO) Delete(ctx context.Context, p string) (bool, error) {
	key, err := m.key(p)
	if err != nil {
		return false, err
	}

	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isMinIONotFound(err) {
			return false, nil
		}
		return false, customerrors.WrapStorageError(err, "delete", BackendMinIO, p)
	}

	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, customerrors.WrapStorageError(err, "delete", BackendMinIO, p)
	}
	return true, nil
}

// Exists reports whether the key, or any key below it, exists
func (m *MinIO) Exists(ctx context.Context, p string) (bool, error) {
	key, err := m.key(p)
	if err != nil {
		return false, err
	}

	_, err = m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if !isMinIONotFound(err) {
		return false, customerrors.WrapStorageError(err, "exists", BackendMinIO, p)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    strings.TrimSuffix(key, "/") + "/",
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, customerrors.WrapStorageError(obj.Err, "exists", BackendMinIO, p)
		}
		return true, nil
	}
	return false, nil
}

// List returns every object below prefix, including the stored checksum
func (m *MinIO) List(ctx context.Context, prefix string) ([]Object, error) {
	rel, err := Normalize(prefix)
	if err != nil {
		return nil, err
	}

	var objects []Object
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:       objectKey(m.prefix, rel),
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, customerrors.WrapStorageError(obj.Err, "list", BackendMinIO, prefix)
		}

		contentType := obj.ContentType
		if contentType == "" {
			contentType = DetectContentType(obj.Key, nil)
		}
		objects = append(objects, Object{
			Path:         relativeKey(m.prefix, obj.Key),
			ContentType:  contentType,
			Size:         obj.Size,
			Checksum:     userMetadataChecksum(obj.UserMetadata),
			CreatedAt:    obj.LastModified,
			LastModified: obj.LastModified,
			ETag:         strings.Trim(obj.ETag, `"`),
		})
	}
	return objects, nil
}

func (m *MinIO) key(p string) (string, error) {
	rel, err := Normalize(p)
	if err != nil {
		return "", err
	}
	return objectKey(m.prefix, rel), nil
}

// userMetadataChecksum finds the sha256 entry regardless of the X-Amz-Meta- prefix casing
func userMetadataChecksum(meta map[string]string) string {
	for k, v := range meta {
		if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), metadataChecksumKey) {
			return v
		}
	}
	return ""
}

func isMinIONotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
