// Package syncutil contains concurrent containers and locking helpers.
package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
// The zero value is not usable, create instances with [NewShardMap].
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum is an option of [NewShardMap] setting the number of shards.
type ShardsNum uint

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// The number of shards can be specified using the [ShardsNum] option, default is 32.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	shardsNum := defShardsNum
	for _, o := range opts {
		if v, ok := o.(ShardsNum); ok && v > 0 {
			shardsNum = v
		}
	}

	m := &ShardMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[K, V], shardsNum),
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *ShardMap[K, V]) shard(key K) *shard[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)%uint64(len(m.shards))]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, val V) {
	s := m.shard(key)
	s.Lock()
	s.items[key] = val
	s.Unlock()
}

// GetOrSet atomically stores val under key unless the key already exists.
// It returns the stored value and true if the value was loaded.
func (m *ShardMap[K, V]) GetOrSet(key K, val V) (actual V, loaded bool) {
	s := m.shard(key)
	s.Lock()
	defer s.Unlock()
	if cur, ok := s.items[key]; ok {
		return cur, true
	}
	s.items[key] = val
	return val, false
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.shard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// Del removes a key and returns the removed value.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.shard(key)
	s.Lock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.Unlock()
	return val, ok
}

// DelFunc removes the key only if match returns true for the stored value.
func (m *ShardMap[K, V]) DelFunc(key K, match func(V) bool) bool {
	s := m.shard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if !ok || !match(val) {
		return false
	}
	delete(s.items, key)
	return true
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the total number of items in the map.
func (m *ShardMap[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.RLock()
		n += len(s.items)
		s.RUnlock()
	}
	return n
}

// Clear removes all items from the map.
func (m *ShardMap[K, V]) Clear() {
	for _, s := range m.shards {
		s.Lock()
		clear(s.items)
		s.Unlock()
	}
}

// All returns an iterator over a snapshot of every shard.
func (m *ShardMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
