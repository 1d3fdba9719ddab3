package service

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// CacheService is an LRU of recent point reads keyed by physical key
type CacheService struct {
	config *CacheConfig
	cache  *lru.Cache[string, []byte]
	logger *zap.Logger
	hits   uint64
	misses uint64
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxEntries int
}

// NewCacheService creates a new cache service
func NewCacheService(cfg *CacheConfig, logger *zap.Logger) (*CacheService, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	cache, err := lru.New[string, []byte](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &CacheService{config: cfg, cache: cache, logger: logger}, nil
}

// Get retrieves a value from cache
func (s *CacheService) Get(key []byte) ([]byte, bool) {
	value, found := s.cache.Get(string(key))
	if found {
		atomic.AddUint64(&s.hits, 1)
	} else {
		atomic.AddUint64(&s.misses, 1)
	}
	return value, found
}

// Put adds or updates a value in cache
func (s *CacheService) Put(key, value []byte) {
	s.cache.Add(string(key), value)
}

// Remove removes a key from cache
func (s *CacheService) Remove(key []byte) {
	s.cache.Remove(string(key))
}

// Purge drops every entry
func (s *CacheService) Purge() {
	s.cache.Purge()
	s.logger.Debug("Purged read cache")
}

// Stats returns cache statistics
func (s *CacheService) Stats() CacheStats {
	hits := atomic.LoadUint64(&s.hits)
	misses := atomic.LoadUint64(&s.misses)
	stats := CacheStats{
		EntryCount: s.cache.Len(),
		MaxEntries: s.config.MaxEntries,
		Hits:       hits,
		Misses:     misses,
	}
	if hits+misses > 0 {
		stats.HitRatio = float64(hits) / float64(hits+misses)
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	EntryCount int
	MaxEntries int
	Hits       uint64
	Misses     uint64
	HitRatio   float64
}
