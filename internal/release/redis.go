package release

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const maxUpdateRetries = 5

// Redis keeps releases in one hash per repository, keyed by tag
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      options
	logger    *zap.Logger
}

// NewRedis creates a registry on top of client
func NewRedis(client redis.UniversalClient, keyPrefix string, logger *zap.Logger, opts ...Option) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      buildOptions(opts),
		logger:    logger.With(zap.String("registry", "redis")),
	}
}

func (r *Redis) key(repositoryID int64) string {
	return fmt.Sprintf("%s:releases:%d", r.keyPrefix, repositoryID)
}

// Ping checks connectivity
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "failed to reach redis")
	}
	return nil
}

// Create records a new release; HSETNX makes the uniqueness check atomic
func (r *Redis) Create(ctx context.Context, repositoryID int64, tag, updateText string) (*Release, error) {
	if _, err := ParseTag(tag); err != nil {
		return nil, err
	}

	now := r.opts.now().UTC()
	rel := &Release{
		ID:           uuid.New(),
		RepositoryID: repositoryID,
		Tag:          tag,
		UpdateText:   updateText,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	payload, err := json.Marshal(rel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode release")
	}

	created, err := r.client.HSetNX(ctx, r.key(repositoryID), tag, payload).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create release %s", rel.Key())
	}
	if !created {
		return nil, customerrors.NewVersionExistsError(rel.Key())
	}

	r.logger.Debug("release created",
		zap.Int64("repository", repositoryID),
		zap.String("version", tag))
	return rel, nil
}

// Get returns the release, or nil when absent
func (r *Redis) Get(ctx context.Context, repositoryID int64, tag string) (*Release, error) {
	payload, err := r.client.HGet(ctx, r.key(repositoryID), tag).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get release %s", Key(repositoryID, tag))
	}
	return decode(payload)
}

// List returns every release, highest version first
func (r *Redis) List(ctx context.Context, repositoryID int64) ([]*Release, error) {
	values, err := r.client.HVals(ctx, r.key(repositoryID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list releases of repository %d", repositoryID)
	}

	releases := make([]*Release, 0, len(values))
	for _, value := range values {
		rel, err := decode([]byte(value))
		if err != nil {
			return nil, err
		}
		releases = append(releases, rel)
	}

	Sort(releases)
	return releases, nil
}

// Latest returns the highest qualifying release
func (r *Redis) Latest(ctx context.Context, repositoryID int64, allowPrerelease bool) (*Release, error) {
	releases, err := r.List(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	return SelectLatest(releases, allowPrerelease), nil
}

// Update replaces the update text under WATCH so concurrent writers cannot lose an update
func (r *Redis) Update(ctx context.Context, rel *Release, updateText string) (*Release, error) {
	key := r.key(rel.RepositoryID)
	var updated *Release

	txf := func(tx *redis.Tx) error {
		payload, err := tx.HGet(ctx, key, rel.Tag).Bytes()
		if err == redis.Nil {
			return customerrors.NewNotFoundError("release", rel.Key())
		}
		if err != nil {
			return err
		}

		current, err := decode(payload)
		if err != nil {
			return err
		}
		current.UpdateText = updateText
		current.UpdatedAt = r.opts.now().UTC()

		encoded, err := json.Marshal(current)
		if err != nil {
			return errors.Wrap(err, "failed to encode release")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, rel.Tag, encoded)
			return nil
		})
		if err == nil {
			updated = current
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if customerrors.IsNotFoundError(err) {
				return nil, err
			}
			return nil, errors.Wrapf(err, "failed to update release %s", rel.Key())
		}
		return updated, nil
	}
	return nil, errors.Errorf("failed to update release %s: too many concurrent updates", rel.Key())
}

// Delete removes the release
func (r *Redis) Delete(ctx context.Context, rel *Release) error {
	removed, err := r.client.HDel(ctx, r.key(rel.RepositoryID), rel.Tag).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to delete release %s", rel.Key())
	}
	if removed == 0 {
		return customerrors.NewNotFoundError("release", rel.Key())
	}
	return nil
}

func decode(payload []byte) (*Release, error) {
	rel := &Release{}
	if err := json.Unmarshal(payload, rel); err != nil {
		return nil, errors.Wrap(err, "failed to decode release")
	}
	return rel, nil
}
