// Package subs implements the subscription cache: it reference-counts which
// subscription keys the UI currently cares about and drives upstream
// subscribe/unsubscribe calls, debouncing unsubscribes with a grace period
// so rapid mount/unmount cycles do not thrash the network subscription.
package subs

import (
	"sort"
	"sync"
	"time"
)

// DefaultGrace is how long a key stays subscribed after its last reference
// is released.
const DefaultGrace = 10 * time.Second

type Cache struct {
	mu            sync.Mutex
	grace         time.Duration
	onSubscribe   func(key string)
	onUnsubscribe func(key string)
	counts        map[string]int
	pending       map[string]*time.Timer
}

// New builds a subscription cache. onSubscribe fires when a key gains its
// first reference; onUnsubscribe fires grace after the count reaches zero,
// unless the key is re-referenced in the meantime.
func New(grace time.Duration, onSubscribe, onUnsubscribe func(key string)) *Cache {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Cache{
		grace:         grace,
		onSubscribe:   onSubscribe,
		onUnsubscribe: onUnsubscribe,
		counts:        map[string]int{},
		pending:       map[string]*time.Timer{},
	}
}

// Subscribe adds a reference to key and returns the release function.
// Releasing twice is a no-op.
func (c *Cache) Subscribe(key string) func() {
	c.mu.Lock()
	c.counts[key]++
	first := c.counts[key] == 1
	var resubscribe bool
	if t, ok := c.pending[key]; ok {
		// re-referenced within the grace period: the upstream
		// subscription is still live, just keep it
		t.Stop()
		delete(c.pending, key)
		resubscribe = true
	}
	c.mu.Unlock()

	if first && !resubscribe && c.onSubscribe != nil {
		c.onSubscribe(key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.release(key) })
	}
}

func (c *Cache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[key]
	if !ok {
		return
	}
	if n > 1 {
		c.counts[key] = n - 1
		return
	}
	delete(c.counts, key)
	c.pending[key] = time.AfterFunc(c.grace, func() { c.expire(key) })
}

func (c *Cache) expire(key string) {
	c.mu.Lock()
	_, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok && c.onUnsubscribe != nil {
		c.onUnsubscribe(key)
	}
}

// Keys snapshots every key that is currently subscribed upstream:
// referenced keys plus keys inside their unsubscribe grace period. Used to
// repair server-side subscription state after a reconnect.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.counts)+len(c.pending))
	for k := range c.counts {
		out = append(out, k)
	}
	for k := range c.pending {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
