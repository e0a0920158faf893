// Package shard provides a lock-striped map keyed by conversation identifier.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when New receives a non-positive count.
const DefaultShards = 32

// Map stripes entries across independently locked shards.
//
// Callbacks passed to Do and Range run with the shard lock held and must not
// block or call back into the same Map.
type Map[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// New creates a Map with count shards.
func New[V any](count int) *Map[V] {
	if count <= 0 {
		count = DefaultShards
	}

	shards := make([]*mapShard[V], count)
	for index := range shards {
		shards[index] = &mapShard[V]{items: make(map[string]V)}
	}

	return &Map[V]{shards: shards}
}

func (m *Map[V]) shardFor(key string) *mapShard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Do runs fn with exclusive access to the shard owning key.
//
// fn receives the shard's backing map and may insert or delete any entry for key.
func (m *Map[V]) Do(key string, fn func(items map[string]V)) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	fn(shard.items)
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	value, ok := shard.items[key]
	return value, ok
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.items, key)
}

// Range visits every shard in turn. fn may delete entries from the map it receives.
func (m *Map[V]) Range(fn func(items map[string]V)) {
	for _, shard := range m.shards {
		shard.mu.Lock()
		fn(shard.items)
		shard.mu.Unlock()
	}
}

// Len returns the number of stored keys.
func (m *Map[V]) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		total += len(shard.items)
		shard.mu.Unlock()
	}

	return total
}
