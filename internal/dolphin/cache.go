package dolphin

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type cacheKey struct {
	baseURL string
	token   string
}

type cacheEntry struct {
	client  *Client
	expires time.Time
}

// ClientCache hands out one Client per (baseURL, token) and rebuilds it once
// the entry is older than the TTL.
type ClientCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	base    Config
	log     logrus.FieldLogger
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

// NewClientCache uses base for timeout and rate settings of every client.
func NewClientCache(base Config, ttl time.Duration, log logrus.FieldLogger) *ClientCache {
	return &ClientCache{
		ttl:     ttl,
		base:    base,
		log:     log,
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached client for baseURL and token, creating it if needed.
func (c *ClientCache) Get(baseURL, token string) (*Client, error) {
	key := cacheKey{baseURL: baseURL, token: token}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && (c.ttl <= 0 || now.Before(e.expires)) {
		return e.client, nil
	}
	cfg := c.base
	cfg.BaseURL = baseURL
	cfg.Token = token
	client, err := NewClient(cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.entries[key] = cacheEntry{client: client, expires: now.Add(c.ttl)}
	return client, nil
}

// Purge drops expired entries.
func (c *ClientCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if c.ttl > 0 && !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of cached clients.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
