// Package cache holds the process-local projection of the replicated
// statement map: parsed statements keyed by their registry key.
//
// The cache is read-shared by any number of goroutines; mutation is reserved
// to the reconciliation engine, which is single-threaded. The lock-free
// skipmap underneath keeps readers from blocking on unrelated writes.
package cache

import (
	"time"

	"github.com/zhangyunhao116/skipmap"

	"queryreg/pkg/ast"
)

// Entry is one cached statement together with the raw text that produced it.
// Text is kept so reconciliation can tell when the replicated text diverged
// from the cached parse. ExpireAt zero means no TTL.
type Entry struct {
	Statement *ast.Statement
	Text      string
	ExpireAt  time.Time
}

type Cache struct {
	entries *skipmap.OrderedMap[string, Entry]
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: skipmap.New[string, Entry](),
		now:     time.Now,
	}
}

func (c *Cache) expired(e Entry) bool {
	return !e.ExpireAt.IsZero() && c.now().After(e.ExpireAt)
}

// Get returns the cached statement for key, honoring expiry lazily.
func (c *Cache) Get(key string) (*ast.Statement, bool) {
	e, ok := c.entries.Load(key)
	if !ok || c.expired(e) {
		return nil, false
	}
	return e.Statement, true
}

// Lookup returns the whole entry, expiry honored.
func (c *Cache) Lookup(key string) (Entry, bool) {
	e, ok := c.entries.Load(key)
	if !ok || c.expired(e) {
		return Entry{}, false
	}
	return e, true
}

// Put stores or replaces the entry for key.
func (c *Cache) Put(key string, e Entry) {
	c.entries.Store(key, e)
}

// Remove drops key; removing an absent key is a no-op.
func (c *Cache) Remove(key string) {
	c.entries.Delete(key)
}

// Keys lists the cached keys. Used for the Changed-snapshot diff.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, c.entries.Len())
	c.entries.Range(func(key string, _ Entry) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Entries returns the entries matching pred, keyed.
func (c *Cache) Entries(pred func(key string, e Entry) bool) map[string]Entry {
	out := make(map[string]Entry)
	c.entries.Range(func(key string, e Entry) bool {
		if !c.expired(e) && pred(key, e) {
			out[key] = e
		}
		return true
	})
	return out
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
