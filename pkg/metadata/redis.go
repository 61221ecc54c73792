package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each record as a hash under KeyPrefix+objectKey.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// updateIfExists patches a hash only when it already exists, in one atomic step.
var updateIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// NewRedisStore connects to Redis and pings it before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "metadata:"
	}
	return &RedisStore{
		client: rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

func (s *RedisStore) key(objectKey string) string { return s.prefix + objectKey }

func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	rec.ObjectKey = key
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	// DEL then HSET in MULTI so no stale field survives a replacement.
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(key))
		pipe.HSet(ctx, s.key(key), toHash(rec))
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to store record in Redis.")
		return fmt.Errorf("redis put for %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	h, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis get for %s: %w", key, err)
	}
	if len(h) == 0 {
		return Record{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return fromHash(h)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete for %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, key string, fields Fields) error {
	args := []interface{}{"updatedAt", time.Now().UTC().Format(time.RFC3339Nano)}
	if fields.Description != nil {
		args = append(args, "description", *fields.Description)
	}

	n, err := updateIfExists.Run(ctx, s.client, []string{s.key(key)}, args...).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis update for %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("update %q: %w", key, ErrNotFound)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}

func toHash(r Record) map[string]interface{} {
	return map[string]interface{}{
		"objectKey":   r.ObjectKey,
		"description": r.Description,
		"payloadType": r.PayloadType,
		"bucket":      r.Bucket,
		"contentType": r.ContentType,
		"size":        strconv.FormatInt(r.Size, 10),
		"updatedAt":   r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromHash(h map[string]string) (Record, error) {
	r := Record{
		ObjectKey:   h["objectKey"],
		Description: h["description"],
		PayloadType: h["payloadType"],
		Bucket:      h["bucket"],
		ContentType: h["contentType"],
	}
	if v := h["size"]; v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("redis record %s: bad size %q: %w", r.ObjectKey, v, err)
		}
		r.Size = size
	}
	if v := h["updatedAt"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Record{}, fmt.Errorf("redis record %s: bad updatedAt %q: %w", r.ObjectKey, v, err)
		}
		r.UpdatedAt = t
	}
	return r, nil
}
