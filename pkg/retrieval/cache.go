package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chaiyawut/butler/pkg/types"
)

// Cache holds full search responses for a short TTL. Mutations use
// copy-on-write snapshots: responses are stored once and callers copy
// before mutating. Any memory write purges the cache synchronously.
type Cache struct {
	lru *expirable.LRU[string, *Response]
}

// NewCache returns a response cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, *Response](256, nil, ttl),
	}
}

// Key builds the cache key from the normalized query and every
// result-shaping parameter. Vector availability is part of the key so a
// degraded response never masks a healthy one after recovery.
func (c *Cache) Key(q Query, vectorUp bool) string {
	layers := make([]string, 0, len(q.Layers))
	for _, l := range q.Layers {
		layers = append(layers, string(types.EffectiveLayer(l)))
	}
	sort.Strings(layers)
	normalized := strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
	return fmt.Sprintf("%s|%s|%d|%d|%s|%s|%s|vec=%t",
		normalized, q.Mode, q.Limit, q.Offset, q.Type, q.Project,
		strings.Join(layers, ","), vectorUp)
}

// Get returns the cached response for key, if any.
func (c *Cache) Get(key string) (*Response, bool) {
	return c.lru.Get(key)
}

// Put stores the response under key.
func (c *Cache) Put(key string, resp *Response) {
	c.lru.Add(key, resp)
}

// Purge drops everything.
func (c *Cache) Purge() {
	c.lru.Purge()
}
