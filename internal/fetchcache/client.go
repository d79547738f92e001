// Package fetchcache is a transient redis cache for fetched URL bodies, so
// repeated extraction passes inside one batch run do not hit the network
// again. The durable per-event content cache lives in the store; this one
// is best-effort and TTL-bound.
package fetchcache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("fetch cache initialized",
		zap.String("addr", fmt.Sprintf("%s:%d", host, port)),
		zap.Duration("ttl", ttl),
	)

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func urlKey(url string) string {
	return fmt.Sprintf("fetch:%x", sha256.Sum256([]byte(url)))
}

// Get returns the cached body for a URL, or found=false on a miss. Cache
// errors degrade to a miss; a broken cache must never fail an extraction.
func (c *Client) Get(ctx context.Context, url string) (body []byte, found bool) {
	data, err := c.client.Get(ctx, urlKey(url)).Bytes()
	if err == redis.Nil {
		metrics.FetchCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		logger.Warn("fetch cache read failed", zap.String("url", url), zap.Error(err))
		metrics.FetchCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.FetchCacheHits.WithLabelValues("hit").Inc()
	logger.Debug("fetch cache hit", zap.String("url", url))
	return data, true
}

func (c *Client) Set(ctx context.Context, url string, body []byte) {
	if len(body) == 0 {
		return
	}
	if err := c.client.Set(ctx, urlKey(url), body, c.ttl).Err(); err != nil {
		logger.Warn("fetch cache write failed", zap.String("url", url), zap.Error(err))
	}
}
