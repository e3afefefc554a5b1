package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/rumagent/core"
)

// RedisStore implements core.Storage on Redis with key namespacing.
// It suits fleets of headless hosts that share identity state.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// RedisStoreOptions configures the Redis store
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string // Key namespace for organization
	Logger    core.Logger
}

// NewRedisStore connects to Redis and verifies the connection with Ping.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"namespace":  opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis storage connected", map[string]interface{}{
		"namespace": opts.Namespace,
		"db":        redisOpt.DB,
	})

	return &RedisStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
	}, nil
}

// formatKey formats a key with the namespace
func (r *RedisStore) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value; a missing key yields "" and a nil error.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set stores a value with optional TTL
func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.formatKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %v: %w", key, err, core.ErrStorageWriteFailed)
	}
	return nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.formatKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %v: %w", key, err, core.ErrStorageWriteFailed)
	}
	return nil
}

// Exists checks if a key exists
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	err := r.client.Close()
	if err != nil {
		r.logger.Error("Failed to close Redis client", map[string]interface{}{
			"error":     err,
			"namespace": r.namespace,
		})
	}
	return err
}
