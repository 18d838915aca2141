package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/entity"
)

// CachedDetector wraps another detector with a Redis response cache keyed
// by document text hash. Detector output for identical text is stable
// enough to reuse; cache failures always fall through to the inner
// detector.
type CachedDetector struct {
	inner     Detector
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger

	// accessed atomically
	hits   int64
	misses int64
}

// NewCachedDetector connects to Redis and wraps the inner detector.
func NewCachedDetector(inner Detector, cfg config.CacheConfig, logger *zap.Logger) (*CachedDetector, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = cfg.MaxConnections
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Detector cache initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Duration("default_ttl", cfg.DefaultTTL),
	)

	return &CachedDetector{
		inner:     inner,
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.DefaultTTL,
		logger:    logger,
	}, nil
}

func (c *CachedDetector) Name() string { return c.inner.Name() + "+cache" }

func (c *CachedDetector) Detect(ctx context.Context, text string) ([]entity.DetectedEntity, error) {
	key := c.cacheKey(text)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var entities []entity.DetectedEntity
		if err := json.Unmarshal([]byte(cached), &entities); err == nil {
			atomic.AddInt64(&c.hits, 1)
			c.logger.Debug("Detector cache hit", zap.String("key", key))
			return entities, nil
		}
		// Corrupted entry, drop it and fall through.
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("Detector cache lookup failed", zap.Error(err))
	}

	atomic.AddInt64(&c.misses, 1)
	entities, err := c.inner.Detect(ctx, text)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entities); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to cache detector response", zap.Error(err))
		}
	}

	return entities, nil
}

// Stats returns hit/miss counters since startup.
func (c *CachedDetector) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

func (c *CachedDetector) Close() error {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			return err
		}
	}
	return c.inner.Close()
}

func (c *CachedDetector) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:doc:%s", c.keyPrefix, hex.EncodeToString(sum[:8]))
}

// maskRedisURL masks credentials in a Redis URL for logging.
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
