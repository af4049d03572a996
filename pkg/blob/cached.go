package blob

import (
	"context"

	"github.com/kubeflow/asset-integrity/pkg/cache"
)

// CachedStore serves reads from an LRU in front of another Store. Content
// is immutable, so entries never need invalidating on write.
type CachedStore struct {
	next     Store
	lru      *cache.LRUCache
	maxBytes int
}

// NewCachedStore wraps next with a read cache. When cfg is disabled it
// returns next unchanged.
func NewCachedStore(next Store, cfg *cache.CacheConfig) Store {
	if cfg == nil {
		cfg = cache.DefaultCacheConfig()
	}
	if !cfg.Enabled {
		return next
	}
	return &CachedStore{
		next:     next,
		lru:      cache.NewLRUCache(cfg.MaxSize, cfg.TTL),
		maxBytes: cfg.MaxEntryBytes,
	}
}

// Put writes through and primes the cache.
func (s *CachedStore) Put(ctx context.Context, b []byte) (string, error) {
	id, err := s.next.Put(ctx, b)
	if err != nil {
		return "", err
	}
	s.remember(id, b)
	return id, nil
}

// Get returns cached bytes when present, reading through otherwise. Cached
// bytes are re-verified so a poisoned entry can never be served.
func (s *CachedStore) Get(ctx context.Context, id string) ([]byte, error) {
	if b, ok := s.lru.Get(id); ok {
		if verify(id, b) == nil {
			return append([]byte(nil), b...), nil
		}
		s.lru.Invalidate(id)
	}
	b, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(id, b)
	return b, nil
}

// Stats exposes the cache counters.
func (s *CachedStore) Stats() cache.Stats {
	return s.lru.Stats()
}

func (s *CachedStore) remember(id string, b []byte) {
	if s.maxBytes > 0 && len(b) > s.maxBytes {
		return
	}
	s.lru.Set(id, append([]byte(nil), b...))
}
