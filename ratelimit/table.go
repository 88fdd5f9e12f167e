package ratelimit

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// table is a map split into 64 independently locked shards so that
// different keys rarely contend while one key is always serialized.
type table[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

func newTable[V any]() *table[V] {
	t := &table[V]{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]V)
	}
	return t
}

func (t *table[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.shards[h.Sum32()%shardCount]
}

// do runs fn with the entry for key while its shard is locked, creating the
// entry with mk when it does not exist.
func (t *table[V]) do(key string, mk func() V, fn func(V)) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		v = mk()
		s.m[key] = v
	}
	fn(v)
}

// peek runs fn with the entry for key, if any, while its shard is locked.
func (t *table[V]) peek(key string, fn func(V)) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if ok {
		fn(v)
	}
	return ok
}

// sweep removes every entry for which drop returns true and reports how
// many were removed. Shards are locked one at a time.
func (t *table[V]) sweep(drop func(V) bool) int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, v := range s.m {
			if drop(v) {
				delete(s.m, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// count reports how many entries satisfy match, or all entries when match is
// nil.
func (t *table[V]) count(match func(V) bool) int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		if match == nil {
			n += len(s.m)
		} else {
			for _, v := range s.m {
				if match(v) {
					n++
				}
			}
		}
		s.mu.Unlock()
	}
	return n
}
