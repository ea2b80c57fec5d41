// Package cache holds short-lived market quotes.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// Quotes is a sharded symbol → price cache whose entries expire after a TTL.
type Quotes struct {
	shards [numShards]*quoteShard
	ttl    time.Duration
	now    func() time.Time
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quote
}

type quote struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewQuotes creates a cache whose entries are served for ttl.
func NewQuotes(ttl time.Duration) *Quotes {
	c := &Quotes{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quote)}
	}
	return c
}

// WithClock overrides the time source.
func (c *Quotes) WithClock(now func() time.Time) *Quotes {
	c.now = now
	return c
}

func (c *Quotes) shard(symbol string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest price for a symbol.
func (c *Quotes) Set(symbol string, price decimal.Decimal) {
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = quote{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns a price younger than the TTL.
func (c *Quotes) Get(symbol string) (decimal.Decimal, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok || c.now().Sub(q.updatedAt) >= c.ttl {
		return decimal.Zero, false
	}
	return q.price, true
}

// Delete removes a symbol.
func (c *Quotes) Delete(symbol string) {
	s := c.shard(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *Quotes) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops expired entries and returns how many were removed.
func (c *Quotes) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, q := range s.items {
			if !q.updatedAt.After(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
