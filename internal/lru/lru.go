// Package lru provides a bounded insertion-order set with
// least-recently-used eviction, keyed by content digests.
package lru

import (
	"container/list"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

// Set is a bounded LRU membership set. Contains promotes hits to most
// recently used; Insert evicts the least recently used entry past
// capacity. Not safe for concurrent use.
type Set struct {
	capacity int
	order    *list.List // front = MRU
	index    map[types.Digest]*list.Element
}

// NewSet returns a set holding at most capacity keys.
func NewSet(capacity int) *Set {
	return &Set{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[types.Digest]*list.Element),
	}
}

// Contains reports membership and promotes the key to MRU.
func (s *Set) Contains(key types.Digest) bool {
	el, ok := s.index[key]
	if !ok {
		return false
	}
	s.order.MoveToFront(el)
	return true
}

// Insert adds the key (or promotes an existing one), evicting from the
// LRU end when over capacity.
func (s *Set) Insert(key types.Digest) {
	if el, ok := s.index[key]; ok {
		s.order.MoveToFront(el)
		return
	}

	if len(s.index) >= s.capacity {
		last := s.order.Back()
		if last != nil {
			delete(s.index, last.Value.(types.Digest))
			s.order.Remove(last)
		}
	}

	s.index[key] = s.order.PushFront(key)
}

// Len returns the current number of keys.
func (s *Set) Len() int { return len(s.index) }

// Cap returns the capacity.
func (s *Set) Cap() int { return s.capacity }

// Clear drops all keys.
func (s *Set) Clear() {
	s.order.Init()
	s.index = make(map[types.Digest]*list.Element)
}
