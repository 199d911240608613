// services/iotserver/internal/infrastructure/localcache.go
package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type localEntry struct {
	value     string
	fields    map[string]string
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LocalCache is a size-bounded in-process cache used when Redis is not
// configured. It is only coherent within a single server process.
type LocalCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, localEntry]
	now     func() time.Time
}

// NewLocalCache creates a cache holding at most size keys.
func NewLocalCache(size int) (*LocalCache, error) {
	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	return &LocalCache{entries: entries, now: time.Now}, nil
}

func (c *LocalCache) expiry(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return c.now().Add(expiration)
}

// lookup returns the live entry at key, dropping it when expired.
func (c *LocalCache) lookup(key string) (localEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return localEntry{}, false
	}
	if entry.expired(c.now()) {
		c.entries.Remove(key)
		return localEntry{}, false
	}
	return entry, true
}

func (c *LocalCache) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, localEntry{value: value, expiresAt: c.expiry(expiration)})
	return nil
}

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok || entry.fields != nil {
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	return nil
}

// HSet merges fields into the hash at key and refreshes its expiration.
func (c *LocalCache) HSet(_ context.Context, key string, fields map[string]string, expiration time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make(map[string]string, len(fields))
	if entry, ok := c.lookup(key); ok {
		for k, v := range entry.fields {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.entries.Add(key, localEntry{fields: merged, expiresAt: c.expiry(expiration)})
	return nil
}

// HGetAll returns a copy of the hash at key. A missing key yields an empty map.
func (c *LocalCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string)
	entry, ok := c.lookup(key)
	if !ok {
		return out, nil
	}
	for k, v := range entry.fields {
		out[k] = v
	}
	return out, nil
}

// Len reports the number of keys held, expired ones included.
func (c *LocalCache) Len() int {
	return c.entries.Len()
}
