// Package lockmap is a sharded mutex keyed by an arbitrary uint64,
// used to serialize concurrent daemon operations against the same
// volume (full-sync vs. wdiff-apply vs. gc all assume a caller-held
// per-volume lock in the original source's *VolInfo methods) without
// paying for one real sync.Mutex per volume ever seen.
//
// The API behaves as though every possible uint64 key had its own
// lock: Map.Lock(k) acquires key k's lock and Map.Unlock(k) releases
// it. Underneath, a fixed number of shards each own a small set of
// currently-live lock states, so two unrelated keys hashed into the
// same shard only contend on that shard's bookkeeping mutex, never on
// each other's actual lock.
package lockmap

import (
	"sync"
)

// keyLock tracks one held-or-free key inside a shard, plus the count
// of goroutines parked waiting for it.
type keyLock struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

// shard owns a slice of the keyspace: every key routed to this shard
// (by key % numShards) is looked up in live, guarded by mu.
type shard struct {
	mu   *sync.Mutex
	live map[uint64]*keyLock
}

func newShard() *shard {
	return &shard{mu: new(sync.Mutex), live: make(map[uint64]*keyLock)}
}

func (s *shard) lock(key uint64) {
	s.mu.Lock()
	for {
		kl, ok := s.live[key]
		if !ok {
			kl = &keyLock{cond: sync.NewCond(s.mu)}
			s.live[key] = kl
		}

		if !kl.held {
			kl.held = true
			break
		}

		kl.waiters++
		kl.cond.Wait()
		if cur, ok := s.live[key]; ok {
			cur.waiters--
		}
	}
	s.mu.Unlock()
}

func (s *shard) unlock(key uint64) {
	s.mu.Lock()
	kl := s.live[key]
	kl.held = false
	if kl.waiters > 0 {
		kl.cond.Signal()
	} else {
		delete(s.live, key)
	}
	s.mu.Unlock()
}

// numShards is prime to spread sequential keys (volume-id hashes)
// evenly across shards.
const numShards uint64 = 43

// Map is a sharded, key-addressed lock registry.
type Map struct {
	shards []*shard
}

// New returns an empty lock registry.
func New() *Map {
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Map{shards: shards}
}

// Lock blocks until key's lock is held by the caller.
func (m *Map) Lock(key uint64) {
	m.shards[key%numShards].lock(key)
}

// Unlock releases key's lock.
func (m *Map) Unlock(key uint64) {
	m.shards[key%numShards].unlock(key)
}
