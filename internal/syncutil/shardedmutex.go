// Package syncutil provides small synchronization helpers.
package syncutil

import "sync"

const shardCount = 256

// ShardedMutex serializes work per string key using a fixed pool of
// mutexes. Memory stays bounded no matter how many distinct keys pass
// through; the trade-off is occasional false sharing when two keys land
// on the same shard, which only costs waiting, never correctness.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard owning key and returns its unlock function,
// meant for `unlock := m.Lock(id); defer unlock()`.
func (m *ShardedMutex) Lock(key string) func() {
	mu := &m.shards[fnv32a(key)%shardCount]
	mu.Lock()
	return mu.Unlock
}

// fnv32a is the 32-bit FNV-1a hash, inlined to avoid allocating a hasher
// per lock acquisition.
func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
