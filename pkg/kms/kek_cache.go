package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache memoises unwrapped DEKs so repeated views of the same paste do not
// round-trip to the key provider.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *KEKCache) DecryptDEK(ctx context.Context, wrappedDEK []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrappedDEK, encContext)
	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedDEK)
			entry.mu.RLock()
			if time.Now().Before(entry.expiresAt) && entry.dek != nil {
				dek := append([]byte(nil), entry.dek...)
				entry.mu.RUnlock()
				return dek, nil
			}
			entry.mu.RUnlock()
			c.cache.Delete(cacheKey)
		}
		dek, err := c.adapter.Decrypt(ctx, wrappedDEK, encContext)
		if err != nil {
			return nil, err
		}
		c.cache.Store(cacheKey, &cachedDEK{
			dek:       append([]byte(nil), dek...),
			expiresAt: time.Now().Add(c.ttl),
		})
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers wipe what they get; never hand out the shared slice.
	return append([]byte(nil), result.([]byte)...), nil
}

func cacheKeyFor(wrappedDEK []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrappedDEK)
	h.Write([]byte{0})
	h.Write(encContext.serialize())
	return hex.EncodeToString(h.Sum(nil))
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.dek)
			entry.dek = nil
			c.cache.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		wipeBytes(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func (c *KEKCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedDEK)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
