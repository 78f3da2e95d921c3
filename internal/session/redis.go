package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"homebase.io/internal/obs"
)

const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// NewRedisClient parses redisURL and pings the server before returning.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	obs.Logger().Info("redis client connected", slog.String("addr", opts.Addr))
	return client, nil
}

// RedisStore keeps tickets as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func ticketKey(adminID string) string {
	return "homebase:view:" + adminID
}

func (s *RedisStore) Put(ctx context.Context, t Ticket, ttl time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode view ticket: %w", err)
	}
	if err := s.client.Set(ctx, ticketKey(t.AdminID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis view set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, adminID string) (Ticket, error) {
	raw, err := s.client.Get(ctx, ticketKey(adminID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Ticket{}, ErrNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("redis view get: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticket{}, fmt.Errorf("decode view ticket: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Delete(ctx context.Context, adminID string) error {
	if err := s.client.Del(ctx, ticketKey(adminID)).Err(); err != nil {
		return fmt.Errorf("redis view delete: %w", err)
	}
	return nil
}

// Ping reports whether the server answers; used by readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
