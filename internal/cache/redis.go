package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/research-engine/internal/models"
)

// RedisCache stores each session's pending results in one hash,
// "<prefix>:session:<id>:results", with one field per trial key
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection settings for the cache
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a cache on an existing client. A zero ttl keeps entries until cleared.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "research"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:results", c.prefix, sessionID)
}

func (c *RedisCache) Put(ctx context.Context, sessionID string, results ...models.TrialResult) error {
	if len(results) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(results)*2)
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal result %s: %w", r.Key(), err)
		}
		values = append(values, r.Key().String(), data)
	}

	key := c.key(sessionID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache results: %w", err)
	}
	return nil
}

func (c *RedisCache) Load(ctx context.Context, sessionID string) ([]models.TrialResult, error) {
	fields, err := c.client.HGetAll(ctx, c.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cached results: %w", err)
	}

	out := make([]models.TrialResult, 0, len(fields))
	for field, data := range fields {
		var r models.TrialResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			slog.Warn("skipping unreadable cached result", "session_id", sessionID, "field", field, "error", err)
			continue
		}
		out = append(out, r)
	}
	SortResults(out)
	return out, nil
}

func (c *RedisCache) Remove(ctx context.Context, sessionID string, keys ...models.TrialKey) error {
	if len(keys) == 0 {
		return nil
	}

	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = k.String()
	}
	if err := c.client.HDel(ctx, c.key(sessionID), fields...).Err(); err != nil {
		return fmt.Errorf("failed to remove cached results: %w", err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear cached results: %w", err)
	}
	return nil
}

// Sessions scans for session keys under the prefix
func (c *RedisCache) Sessions(ctx context.Context) ([]string, error) {
	head := c.prefix + ":session:"
	pattern := head + "*:results"

	var ids []string
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(k, head), ":results"))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(ids)
	return ids, nil
}

// Ping verifies Redis connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
