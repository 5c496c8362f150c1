// Package cache is a process-local TTL cache for catalog lookups that change
// rarely (fees, rates, unit prices).
package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Cache struct{ c *gocache.Cache }

func New(defaultTTL time.Duration) *Cache {
	return &Cache{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *Cache) Get(k string) (interface{}, bool) { return m.c.Get(k) }
func (m *Cache) Set(k string, v interface{})      { m.c.SetDefault(k, v) }
func (m *Cache) Delete(k string)                  { m.c.Delete(k) }
func (m *Cache) Len() int                         { return m.c.ItemCount() }

// DeletePrefix drops every key starting with prefix.
func (m *Cache) DeletePrefix(prefix string) {
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			m.c.Delete(k)
		}
	}
}

// Fetch returns the cached value for key, calling load on a miss. Errors
// from load are not cached.
func Fetch[T any](c *Cache, key string, load func() (T, error)) (T, error) {
	if c != nil {
		if v, ok := c.Get(key); ok {
			if t, ok := v.(T); ok {
				return t, nil
			}
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if c != nil {
		c.Set(key, v)
	}
	return v, nil
}

// PriceKey builds the key under which a catalog price is cached.
func PriceKey(kind, id string) string {
	return "price:" + kind + ":" + id
}
