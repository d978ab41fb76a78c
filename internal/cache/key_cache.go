package cache

import (
	"context"
	"sync"

	"hlsfetch/internal/logger"
)

// LoadFunc fetches the value for a key on a cache miss.
type LoadFunc func(ctx context.Context) ([]byte, error)

// call is an in-flight load shared by every caller asking for the same key.
type call struct {
	done chan struct{}
	data []byte
	err  error
}

// KeyCache provides a thread-safe, in-memory cache for decryption keys,
// keyed by key URL. Concurrent misses for the same URL share one load.
type KeyCache struct {
	mutex    sync.RWMutex
	cache    map[string][]byte
	inflight map[string]*call
	logger   logger.Logger
}

// NewKeyCache creates and returns a new KeyCache.
func NewKeyCache(log logger.Logger) *KeyCache {
	return &KeyCache{
		cache:    make(map[string][]byte),
		inflight: make(map[string]*call),
		logger:   log,
	}
}

// Set adds a key to the cache.
func (kc *KeyCache) Set(keyURL string, data []byte) {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()
	kc.cache[keyURL] = data
	kc.logger.Debugf("Cached key: %s, size: %d bytes", keyURL, len(data))
}

// Get retrieves a key from the cache.
func (kc *KeyCache) Get(keyURL string) ([]byte, bool) {
	kc.mutex.RLock()
	defer kc.mutex.RUnlock()
	data, found := kc.cache[keyURL]
	return data, found
}

// GetOrLoad returns the cached key for keyURL, calling load on a miss.
// Failed loads are not cached, so a later caller retries.
func (kc *KeyCache) GetOrLoad(ctx context.Context, keyURL string, load LoadFunc) ([]byte, error) {
	if data, ok := kc.Get(keyURL); ok {
		return data, nil
	}

	kc.mutex.Lock()
	if data, ok := kc.cache[keyURL]; ok {
		kc.mutex.Unlock()
		return data, nil
	}
	if c, ok := kc.inflight[keyURL]; ok {
		kc.mutex.Unlock()
		select {
		case <-c.done:
			return c.data, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	kc.inflight[keyURL] = c
	kc.mutex.Unlock()

	c.data, c.err = load(ctx)

	kc.mutex.Lock()
	delete(kc.inflight, keyURL)
	if c.err == nil {
		kc.cache[keyURL] = c.data
	}
	kc.mutex.Unlock()
	close(c.done)

	if c.err == nil {
		kc.logger.Debugf("Cached key: %s, size: %d bytes", keyURL, len(c.data))
	}
	return c.data, c.err
}
