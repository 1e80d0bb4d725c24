// Package redisstore implements the memory.Controller contract on Redis.
// Each record lives under its own JSON key and a per-tenant sorted set keeps
// insertion order, so listing a tenant never scans the keyspace.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/evenscribe/umem-gateway/memory"
)

// Config contains configuration options for the Redis-backed store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "umem:".
	KeyPrefix string
}

// Store implements memory.Controller on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

var _ memory.Controller = (*Store)(nil)

// New creates a Redis-backed store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "umem:"
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		now:       time.Now,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(tenant, id string) string {
	return s.keyPrefix + "record:" + tenant + ":" + id
}

func (s *Store) tenantIndexKey(tenant string) string {
	return s.keyPrefix + "tenant:" + tenant
}

func (s *Store) Add(ctx context.Context, tenant, content string) (*memory.Record, error) {
	if strings.TrimSpace(content) == "" {
		return nil, memory.ErrInvalidArgument
	}

	now := s.now().UTC()
	rec := memory.Record{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(tenant, rec.ID), data, 0)
	pipe.ZAdd(ctx, s.tenantIndexKey(tenant), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: rec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("add record", err)
	}
	return &rec, nil
}

func (s *Store) GetAll(ctx context.Context, tenant string) ([]memory.Record, error) {
	// Newest first: the index scores by creation time.
	ids, err := s.client.ZRevRange(ctx, s.tenantIndexKey(tenant), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list tenant index", err)
	}
	if len(ids) == 0 {
		return []memory.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(tenant, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load records", err)
	}

	out := make([]memory.Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record key; skip rather than fail the list.
			continue
		}
		var rec memory.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		rec.Tenant = tenant
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, tenant, query string) ([]memory.Record, error) {
	all, err := s.GetAll(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return memory.Rank(all, query), nil
}

func (s *Store) Update(ctx context.Context, tenant, id, content string) (*memory.Record, error) {
	if strings.TrimSpace(content) == "" {
		return nil, memory.ErrInvalidArgument
	}

	key := s.recordKey(tenant, id)
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, memory.ErrNotFound
		}
		return nil, storeErr("load record", err)
	}

	var rec memory.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	rec.Tenant = tenant
	rec.Content = content
	rec.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return nil, storeErr("store record", err)
	}
	return &rec, nil
}

// storeErr classifies a redis failure as unavailable while keeping the
// operation and cause for the logs.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", memory.ErrUnavailable, op, err)
}
