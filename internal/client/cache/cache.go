// Package cache implements the client's in-memory record store: the latest
// known record per pointer, derived secondary indexes, and change listeners
// keyed by subscription key.
package cache

import (
	"sort"
	"sync"

	"threadsync/internal/record"
)

// Listener is invoked after a write batch touches the subscribed key.
type Listener func()

// RecordCache is the single place on the client where
// last-write-wins-by-version is enforced: a write replaces a stored record
// only if forced, absent, or strictly newer. All records of one
// WriteRecordMap call are stored before any listener fires, so readers
// never observe a partially applied batch.
type RecordCache struct {
	mu        sync.Mutex
	records   map[record.Pointer]*record.Record
	indexes   map[string][]record.IndexEntry
	listeners map[string]map[int]Listener
	nextID    int
}

func New() *RecordCache {
	return &RecordCache{
		records:   map[record.Pointer]*record.Record{},
		indexes:   map[string][]record.IndexEntry{},
		listeners: map[string]map[int]Listener{},
	}
}

// Get returns the cached record at p, or nil when unknown. The returned
// record must not be mutated; writes go through WriteRecordMap.
func (c *RecordCache) Get(p record.Pointer) *record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[p]
}

// GetRecordMap collects the cached state of ptrs into a record map. Every
// requested pointer is marked loaded, cached or not, because the cache's
// answer is the client's current truth for an optimistic apply.
func (c *RecordCache) GetRecordMap(ptrs []record.Pointer) record.RecordMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := record.NewRecordMap()
	for _, p := range ptrs {
		m.Set(p, c.records[p].Clone())
	}
	return m
}

// IndexValues returns the ordered record ids stored under an index key
// (e.g. the message ids of a thread, oldest first).
func (c *RecordCache) IndexValues(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.indexes[key]
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// SubscribePointer registers fn for changes of a single record.
func (c *RecordCache) SubscribePointer(p record.Pointer, fn Listener) func() {
	return c.SubscribeKey(record.RecordKey(p), fn)
}

// SubscribeKey registers fn for a subscription key (record or index key)
// and returns the unsubscribe function.
func (c *RecordCache) SubscribeKey(key string, fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.listeners[key]
	if !ok {
		set = map[int]Listener{}
		c.listeners[key] = set
	}
	id := c.nextID
	c.nextID++
	set[id] = fn

	// once-guarded: a second call would otherwise remove a listener map
	// recreated by a later subscriber
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(set, id)
			if len(set) == 0 {
				delete(c.listeners, key)
			}
		})
	}
}

// WriteRecordMap stores every acceptable record of m, re-derives the
// secondary indexes touched by accepted writes, and then fires the affected
// listeners exactly once each. A record is accepted iff force is set, no
// record is stored yet, or the incoming version is strictly greater.
func (c *RecordCache) WriteRecordMap(m record.RecordMap, force bool) {
	c.mu.Lock()

	touched := map[string]struct{}{}
	for _, p := range m.Pointers() {
		incoming, _ := m.Get(p)
		if c.writeOne(p, incoming, force, touched) {
			touched[record.RecordKey(p)] = struct{}{}
		}
	}

	var fire []Listener
	for key := range touched {
		for _, fn := range c.listeners[key] {
			fire = append(fire, fn)
		}
	}
	c.mu.Unlock()

	// listeners run synchronously but outside the lock, after the whole
	// batch is visible
	for _, fn := range fire {
		fn()
	}
}

func (c *RecordCache) writeOne(p record.Pointer, incoming *record.Record, force bool, touched map[string]struct{}) bool {
	stored := c.records[p]

	if incoming == nil {
		// an authoritative "does not exist" only matters when forced
		// (rollback); version-gated writes cannot erase state
		if !force || stored == nil {
			return false
		}
		delete(c.records, p)
		c.updateIndexes(p.Table, stored, nil, touched)
		return true
	}

	if !force && stored != nil && incoming.Version <= stored.Version {
		return false
	}

	c.records[p] = incoming
	c.updateIndexes(p.Table, stored, incoming, touched)
	return true
}

func (c *RecordCache) updateIndexes(tbl record.Table, before, after *record.Record, touched map[string]struct{}) {
	spec, ok := record.Spec(tbl)
	if !ok {
		return
	}
	oldEntries := spec.IndexEntries(before)
	newEntries := spec.IndexEntries(after)

	for _, e := range oldEntries {
		if !containsEntry(newEntries, e) {
			c.removeEntry(e)
			touched[e.Key] = struct{}{}
		}
	}
	for _, e := range newEntries {
		if !containsEntry(oldEntries, e) {
			c.insertEntry(e)
			touched[e.Key] = struct{}{}
		}
	}
}

func containsEntry(entries []record.IndexEntry, e record.IndexEntry) bool {
	for _, x := range entries {
		if x == e {
			return true
		}
	}
	return false
}

func (c *RecordCache) removeEntry(e record.IndexEntry) {
	entries := c.indexes[e.Key]
	for i, x := range entries {
		if x.Value == e.Value {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.indexes, e.Key)
		return
	}
	c.indexes[e.Key] = entries
}

func (c *RecordCache) insertEntry(e record.IndexEntry) {
	// replace a stale entry for the same record before inserting, keeping
	// the write idempotent
	c.removeEntry(e)
	entries := append(c.indexes[e.Key], e)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Sort != entries[j].Sort {
			return entries[i].Sort < entries[j].Sort
		}
		return entries[i].Value < entries[j].Value
	})
	c.indexes[e.Key] = entries
}
