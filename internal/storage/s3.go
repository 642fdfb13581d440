package storage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// S3 stores objects in an S3 bucket below an optional key prefix
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3 creates an S3 backend from cfg. Static credentials are used when
// provided, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, customerrors.NewConfigError("storage.s3", cfg.Bucket, errors.Wrap(err, "failed to load AWS configuration"))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3WithClient creates an S3 backend around an existing client
func NewS3WithClient(client *s3.Client, bucket, prefix string, logger *zap.Logger) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(zap.String("backend", BackendS3), zap.String("bucket", bucket)),
	}
}

// Name returns the backend name
func (s *S3) Name() string { return BackendS3 }

// Init verifies the bucket is reachable
func (s *S3) Init(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return customerrors.WrapStorageError(err, "init", BackendS3, s.bucket)
	}
	s.logger.Info("bucket is reachable", zap.String("prefix", s.prefix))
	return nil
}

// Open downloads the object at p
func (s *S3) Open(ctx context.Context, p string) ([]byte, bool, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, false, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, customerrors.WrapStorageError(err, "open", BackendS3, p)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, customerrors.WrapStorageError(err, "open", BackendS3, p)
	}
	return data, true, nil
}

// Upload puts the object at p with its sha256 in user metadata
func (s *S3) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{metadataChecksumKey: Checksum(data)},
	})
	if err != nil {
		return customerrors.WrapStorageError(err, "upload", BackendS3, p)
	}
	return nil
}

// Delete removes the object at p
func (s *S3) Delete(ctx context.Context, p string) (bool, error) {
	key, err := s.key(p)
	if err != nil {
		return false, err
	}

	// DeleteObject succeeds for missing keys, so check first to report existence
	found, err := s.head(ctx, key)
	if err != nil {
		return false, customerrors.WrapStorageError(err, "delete", BackendS3, p)
	}
	if !found {
		return false, nil
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, customerrors.WrapStorageError(err, "delete", BackendS3, p)
	}
	return true, nil
}

// Exists reports whether the key, or any key below it, exists
func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	key, err := s.key(p)
	if err != nil {
		return false, err
	}

	found, err := s.head(ctx, key)
	if err != nil {
		return false, customerrors.WrapStorageError(err, "exists", BackendS3, p)
	}
	if found {
		return true, nil
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(strings.TrimSuffix(key, "/") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, customerrors.WrapStorageError(err, "exists", BackendS3, p)
	}
	return len(out.Contents) > 0, nil
}

// List pages through every key below prefix
func (s *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	rel, err := Normalize(prefix)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(objectKey(s.prefix, rel)),
	})

	var objects []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, customerrors.WrapStorageError(err, "list", BackendS3, prefix)
		}
		for _, item := range page.Contents {
			key := aws.ToString(item.Key)
			objects = append(objects, Object{
				Path:         relativeKey(s.prefix, key),
				ContentType:  DetectContentType(key, nil),
				Size:         aws.ToInt64(item.Size),
				CreatedAt:    aws.ToTime(item.LastModified),
				LastModified: aws.ToTime(item.LastModified),
				ETag:         strings.Trim(aws.ToString(item.ETag), `"`),
			})
		}
	}
	return objects, nil
}

func (s *S3) key(p string) (string, error) {
	rel, err := Normalize(p)
	if err != nil {
		return "", err
	}
	return objectKey(s.prefix, rel), nil
}

func (s *S3) head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
