package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCacheWrapper go-cache包装器
type goCacheWrapper struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewGoCache 创建基于go-cache的本地缓存
func NewGoCache(config LocalConfig) Cache {
	def := config.DefaultExpiration
	if def <= 0 {
		def = 5 * time.Minute
	}
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &goCacheWrapper{cache: gocache.New(def, cleanup)}
}

func (gc *goCacheWrapper) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, found := gc.cache.Get(key); found {
		return value.([]byte), true, nil
	}
	return nil, false, nil
}

func (gc *goCacheWrapper) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	gc.cache.Set(key, copyBytes(value), ttl(expiration))
	return nil
}

// SetNX go-cache 的 Add 在键存在时返回错误，正好对应 NX 语义
func (gc *goCacheWrapper) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if err := gc.cache.Add(key, copyBytes(value), ttl(expiration)); err != nil {
		return false, nil
	}
	return true, nil
}

func (gc *goCacheWrapper) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		gc.cache.Delete(key)
	}
	return nil
}

// Close 关闭缓存连接
func (gc *goCacheWrapper) Close() error {
	gc.cache.Flush()
	return nil
}

func ttl(d time.Duration) time.Duration {
	if d <= 0 {
		return gocache.DefaultExpiration
	}
	return d
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
