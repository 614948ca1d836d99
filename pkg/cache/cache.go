// Package cache publishes the most recent reading per site to Redis for
// low-latency dashboard reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LatestTTL is how long a "latest reading" entry survives without a new
// submission. A site that stops reporting disappears from live views
// instead of showing stale data forever.
const LatestTTL = 24 * time.Hour

const keyPrefix = "latest:"

// LatestEntry is the cached payload for a site's most recent reading.
type LatestEntry struct {
	TS       string   `json:"ts"`
	LevelM   *float64 `json:"level_m"`
	BatteryV *float64 `json:"battery_v"`
	TempC    *float64 `json:"temp_c"`
	PhotoKey *string  `json:"photo_key"`
}

// Config holds the configuration for the latest-reading cache.
type Config struct {
	Logger *slog.Logger

	// URL is a redis connection URL, e.g. redis://localhost:6379/0.
	URL string
}

// Cache is a Redis-backed store for latest-reading entries.
//
// Entries reflect the last submission processed, not the maximum
// timestamp seen; callers needing strict recency must read the
// durable store instead.
type Cache struct {
	logger *slog.Logger
	client *redis.Client
}

// New creates a new Cache and verifies connectivity.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("redis URL cannot be empty")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	cfg.Logger.Info("redis connection established")

	return &Cache{
		logger: cfg.Logger,
		client: client,
	}, nil
}

// NewWithClient creates a Cache with an existing Redis client.
// Useful for tests or when sharing a client across components.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		logger: logger,
		client: client,
	}
}

// SetLatest stores the latest reading for a site with the fixed TTL.
func (c *Cache) SetLatest(ctx context.Context, siteSlug string, entry *LatestEntry) error {
	if siteSlug == "" {
		return errors.New("site slug cannot be empty")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal latest entry: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+siteSlug, payload, LatestTTL).Err(); err != nil {
		return fmt.Errorf("failed to set latest entry: %w", err)
	}

	return nil
}

// GetLatest returns the latest reading for a site, or nil if none is cached.
func (c *Cache) GetLatest(ctx context.Context, siteSlug string) (*LatestEntry, error) {
	payload, err := c.client.Get(ctx, keyPrefix+siteSlug).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest entry: %w", err)
	}

	var entry LatestEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest entry: %w", err)
	}

	return &entry, nil
}

// Ping checks connectivity for the liveness probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
