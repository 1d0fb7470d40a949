package navigator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tcmartin/routinerunner/pkg/cache"
)

// DefaultConfigTTL is how long routine configs stay in the shared store
const DefaultConfigTTL = time.Hour

// CacheKey returns the store key for a routine config
func CacheKey(routineID string) string {
	return "routine:config:" + routineID
}

// ConfigCache keeps routine configs addressable by routine id. The shared
// store is best effort; an in-process copy is kept for every config written
// through this cache.
type ConfigCache struct {
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	local map[string]*RoutineConfig
}

// NewConfigCache creates a config cache. store may be nil.
func NewConfigCache(store cache.Store, ttl time.Duration, logger *slog.Logger) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigCache{
		store:  store,
		ttl:    ttl,
		logger: logger,
		local:  make(map[string]*RoutineConfig),
	}
}

// Put records cfg under routineID. Store failures are logged only.
func (c *ConfigCache) Put(ctx context.Context, routineID string, cfg *RoutineConfig) {
	c.mu.Lock()
	c.local[routineID] = cfg
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		c.logger.Warn("failed to encode routine config for cache",
			slog.String("routine_id", routineID), slog.String("error", err.Error()))
		return
	}
	if err := c.store.Set(ctx, CacheKey(routineID), raw, c.ttl); err != nil {
		c.logger.Warn("failed to cache routine config",
			slog.String("routine_id", routineID), slog.String("error", err.Error()))
	}
}

// Get returns the config for routineID from the store, falling back to the
// in-process copy
func (c *ConfigCache) Get(ctx context.Context, routineID string) (*RoutineConfig, error) {
	if c.store != nil {
		raw, err := c.store.Get(ctx, CacheKey(routineID))
		switch {
		case err == nil:
			var cfg RoutineConfig
			if err := json.Unmarshal(raw, &cfg); err == nil {
				return &cfg, nil
			}
			c.logger.Warn("discarding undecodable cached routine config", slog.String("routine_id", routineID))
		case !errors.Is(err, cache.ErrMiss):
			c.logger.Warn("routine config cache read failed",
				slog.String("routine_id", routineID), slog.String("error", err.Error()))
		}
	}

	c.mu.RLock()
	cfg, ok := c.local[routineID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoutineNotFound, routineID)
	}
	return cfg, nil
}
