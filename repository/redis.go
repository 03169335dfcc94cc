package repository

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

const redisKey = "magpie:artifact:%s"

// Redis stores artifacts as plain string values, one key per artifact name.
type Redis struct {
	rdb    *redis.Client
	apiKey string
}

func NewRedis(rawURL, apiKey string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return NewRedisClient(redis.NewClient(opts), apiKey), nil
}

func NewRedisClient(rdb *redis.Client, apiKey string) *Redis {
	return &Redis{rdb: rdb, apiKey: apiKey}
}

func RedisKey(name string) string {
	return fmt.Sprintf(redisKey, name)
}

func (r *Redis) CanPush() bool {
	return r.apiKey != ""
}

func (r *Redis) Fetch(ctx context.Context, versionedPath string) ([]byte, error) {
	key := RedisKey(ArtifactName(versionedPath))
	data, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}

	return data, nil
}

func (r *Redis) Push(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLocalFileMissing, localPath)
		}
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	key := RedisKey(ArtifactName(localPath))
	if err := r.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
