package metrics

import (
	"sort"
	"sync"
)

// Collector captures operation counters.
type Collector interface {
	Inc(name string)
}

// Counters is a concurrency-safe Collector backed by plain counters.
type Counters struct {
	mu     sync.RWMutex
	counts map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[string]uint64)}
}

func (c *Counters) Inc(name string) {
	c.mu.Lock()
	c.counts[name]++
	c.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Names lists counter names in stable order, for rendering.
func (c *Counters) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.counts))
	for k := range c.counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Nop discards everything. Used where no collector is configured.
type Nop struct{}

func (Nop) Inc(string) {}
