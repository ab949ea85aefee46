package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

// DefaultTTL bounds how long a cached status survives in Redis.
const DefaultTTL = 10 * time.Minute

// RedisConfig configures a Redis-backed cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Validate checks the configuration.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative, got %s", c.TTL)
	}
	return nil
}

type entry struct {
	Key    string           `json:"key"`
	Status integrity.Status `json:"status"`
}

// Redis shares the latest status between processes working on the same
// history file, so one process can tell that a head another process verified
// has since been rewritten. Redis errors degrade to misses; they never fail a
// verification.
type Redis struct {
	client  redis.UniversalClient
	key     string
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRedis connects to Redis and checks the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger, m *metrics.Metrics) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// CLIENT SETINFO is not supported by every server we run against.
		DisableIndentity: true,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg, logger, m), nil
}

// NewRedisWithClient wraps an existing client without checking it.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger, m *metrics.Metrics) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client:  client,
		key:     cfg.KeyPrefix + "integrity:latest",
		ttl:     ttl,
		logger:  logger,
		metrics: m,
	}
}

// Get implements StatusCache.
func (c *Redis) Get(ctx context.Context, head store.Head) (integrity.Status, bool) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("status cache read failed", zap.Error(err))
		}
		c.metrics.RecordCacheMiss()
		return integrity.Status{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("status cache entry is corrupt", zap.Error(err))
		c.metrics.RecordCacheMiss()
		return integrity.Status{}, false
	}
	if e.Key != Key(head) {
		c.metrics.RecordCacheMiss()
		return integrity.Status{}, false
	}
	c.metrics.RecordCacheHit()
	return e.Status, true
}

// Set implements StatusCache.
func (c *Redis) Set(ctx context.Context, head store.Head, st integrity.Status) error {
	data, err := json.Marshal(entry{Key: Key(head), Status: st})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	return nil
}

// Invalidate implements StatusCache.
func (c *Redis) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("invalidate status: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *Redis) Close() error {
	return c.client.Close()
}
