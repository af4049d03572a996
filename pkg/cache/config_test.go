package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.TTL)
	assert.Equal(t, 1000, cfg.MaxSize)
}

func TestCacheConfigFromEnv(t *testing.T) {
	t.Setenv("INTEGRITY_BLOB_CACHE_ENABLED", "false")
	t.Setenv("INTEGRITY_BLOB_CACHE_TTL", "5")
	t.Setenv("INTEGRITY_BLOB_CACHE_MAX_SIZE", "7")
	t.Setenv("INTEGRITY_BLOB_CACHE_MAX_ENTRY_BYTES", "bogus")

	cfg := CacheConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 5*time.Second, cfg.TTL)
	assert.Equal(t, 7, cfg.MaxSize)
	assert.Equal(t, 1<<20, cfg.MaxEntryBytes)
}
