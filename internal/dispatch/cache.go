package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/models"
)

// BarCache keeps the latest ingested bar per (provider, symbol, interval) in
// Redis so dashboards can read hot values without touching the bar tables.
// All failures are advisory: ingestion never depends on the cache.
type BarCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBarCache wraps a Redis client. A nil client disables the cache.
func NewBarCache(client *redis.Client, ttl time.Duration) *BarCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &BarCache{client: client, ttl: ttl}
}

func barKey(provider, symbol, interval string) string {
	return fmt.Sprintf("markethub:latest:%s:%s:%s", provider, symbol, interval)
}

// StoreLatest writes the newest bar per symbol from a flushed batch.
func (c *BarCache) StoreLatest(ctx context.Context, provider, interval string, bars []models.Bar) {
	if c == nil {
		return
	}
	latest := make(map[string]models.Bar, len(bars))
	for _, bar := range bars {
		if prev, ok := latest[bar.Symbol]; !ok || bar.Timestamp.After(prev.Timestamp) {
			latest[bar.Symbol] = bar
		}
	}
	for symbol, bar := range latest {
		payload, err := json.Marshal(bar)
		if err != nil {
			continue
		}
		if err := c.client.Set(ctx, barKey(provider, symbol, interval), payload, c.ttl).Err(); err != nil {
			log.Debug().Str("provider", provider).Str("symbol", symbol).Err(err).
				Msg("Bar cache write failed")
			return
		}
	}
}

// Latest reads the cached bar, or nil on miss.
func (c *BarCache) Latest(ctx context.Context, provider, symbol, interval string) (*models.Bar, error) {
	if c == nil {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, barKey(provider, symbol, interval)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bar cache read failed: %w", err)
	}
	var bar models.Bar
	if err := json.Unmarshal(payload, &bar); err != nil {
		return nil, fmt.Errorf("bar cache payload corrupt: %w", err)
	}
	return &bar, nil
}
