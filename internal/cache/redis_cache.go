package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stockrecon/backend/internal/domain"
)

const activeSessionKeyPrefix = "stockrecon:active-session:"

type RedisSessionCache struct {
	client redis.UniversalClient
}

func NewRedisSessionCache(addr string, password string, db int) *RedisSessionCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSessionCache{client: client}
}

// NewRedisSessionCacheFromClient wraps an existing client, e.g. a cluster client.
func NewRedisSessionCacheFromClient(client redis.UniversalClient) *RedisSessionCache {
	return &RedisSessionCache{client: client}
}

func (c *RedisSessionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSessionCache) Close() error {
	return c.client.Close()
}

func (c *RedisSessionCache) Get(ctx context.Context, branchID string) (*domain.ControlSession, bool, error) {
	val, err := c.client.Get(ctx, activeSessionKey(branchID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var session domain.ControlSession
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, false, err
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, false, nil
	}
	return &session, true, nil
}

func (c *RedisSessionCache) Set(ctx context.Context, branchID string, session *domain.ControlSession, ttl time.Duration) error {
	if session == nil {
		return nil
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, activeSessionKey(branchID), payload, ttl).Err()
}

func (c *RedisSessionCache) Delete(ctx context.Context, branchID string) error {
	return c.client.Del(ctx, activeSessionKey(branchID)).Err()
}

func activeSessionKey(branchID string) string {
	return activeSessionKeyPrefix + branchID
}
