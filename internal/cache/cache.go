// Package cache keeps agent progression states in Redis so dashboards can
// read them without touching the profile store. Every failure is logged and
// treated as a miss; the store stays the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lazypower/intensity/internal/behavior"
)

const keyPrefix = "intensity:state:"

// Cache is a Redis-backed progression state cache.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func key(agentID string) string {
	return keyPrefix + agentID
}

// Get returns the cached state for an agent. ok is false on a miss or error.
func (c *Cache) Get(ctx context.Context, agentID string) (behavior.ProgressionState, bool) {
	raw, err := c.rdb.Get(ctx, key(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return behavior.ProgressionState{}, false
	}
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("agent", agentID), zap.Error(err))
		return behavior.ProgressionState{}, false
	}
	var state behavior.ProgressionState
	if err := json.Unmarshal(raw, &state); err != nil {
		c.logger.Warn("cache entry unreadable", zap.String("agent", agentID), zap.Error(err))
		return behavior.ProgressionState{}, false
	}
	return state, true
}

// Set stores state under its agent id.
func (c *Cache) Set(ctx context.Context, state behavior.ProgressionState) {
	raw, err := json.Marshal(state)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("agent", state.AgentID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key(state.AgentID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("agent", state.AgentID), zap.Error(err))
	}
}

// Invalidate drops an agent's cached state.
func (c *Cache) Invalidate(ctx context.Context, agentID string) {
	if err := c.rdb.Del(ctx, key(agentID)).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.String("agent", agentID), zap.Error(err))
	}
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
