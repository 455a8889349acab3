package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/models"
)

// Cache is a small in-memory TTL cache of road distances keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	clock clock.Clock
}

type cacheEntry struct {
	km float64
	ts time.Time
}

func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, clock: clk}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns the cached distance if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.clock.Now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.km, true
}

func (c *Cache) Set(a, b models.Coord, km float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{km: km, ts: c.clock.Now()}
	c.mu.Unlock()
}
