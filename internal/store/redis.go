package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hydrophone-downloader/internal/models"
)

const defaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps records in one hash per namespace, each field holding a record as JSON.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int, namespace string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreFromClient(client, namespace, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns it from then on.
func NewRedisStoreFromClient(client *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{client: client, key: "hydrodl:session:" + namespace, ttl: ttl}
}

func (s *RedisStore) Checkpoint(ctx context.Context, rec models.JobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key, rec.Key, b)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint record: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]models.JobRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	out := make([]models.JobRecord, 0, len(fields))
	for field, raw := range fields {
		var rec models.JobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", field, err)
		}
		out = append(out, rec)
	}
	return sortByKey(out), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
