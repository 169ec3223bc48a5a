// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"container/list"
	"sync"
	"time"
)

// MemoryStore is an in-memory LRU store of cache entries bounded by the
// total cost of its entries.
type MemoryStore struct {
	mu     sync.Mutex
	budget int64
	size   int64
	items  map[string]*list.Element
	lru    *list.List // most recently used at the front
	now    func() time.Time
}

type memoryItem struct {
	entry *Entry
	cost  int64
}

// NewMemoryStore returns a memory store that holds at most budget bytes.
func NewMemoryStore(budget int64) *MemoryStore {
	return &MemoryStore{
		budget: budget,
		items:  make(map[string]*list.Element),
		lru:    list.New(),
		now:    time.Now,
	}
}

// Get returns a copy of the entry for id and marks it most recently used.
func (s *MemoryStore) Get(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[id]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(elem)
	item := elem.Value.(*memoryItem)
	item.entry.Accessed = s.now()

	e := *item.entry
	return &e, true
}

// Put inserts or replaces the entry for e.ID, then evicts least recently
// used entries until the store is within budget.  The evicted entries are
// returned, and may include e itself if it alone exceeds the budget.
func (s *MemoryStore) Put(e *Entry) (evicted []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item := &memoryItem{entry: e, cost: e.memoryCost()}
	if item.entry.Inserted.IsZero() {
		item.entry.Inserted = now
	}
	item.entry.Accessed = now

	if elem, ok := s.items[e.ID]; ok {
		s.size -= elem.Value.(*memoryItem).cost
		elem.Value = item
		s.lru.MoveToFront(elem)
	} else {
		s.items[e.ID] = s.lru.PushFront(item)
	}
	s.size += item.cost

	for s.size > s.budget && s.lru.Len() > 0 {
		evicted = append(evicted, s.removeElement(s.lru.Back()))
	}
	return evicted
}

// Remove deletes the entry for id, reporting whether it was present.
func (s *MemoryStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[id]
	if !ok {
		return false
	}
	s.removeElement(elem)
	return true
}

func (s *MemoryStore) removeElement(elem *list.Element) *Entry {
	item := s.lru.Remove(elem).(*memoryItem)
	delete(s.items, item.entry.ID)
	s.size -= item.cost
	return item.entry
}

// TotalSize returns the sum of the costs of all entries.
func (s *MemoryStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Budget returns the maximum total size of the store.
func (s *MemoryStore) Budget() int64 { return s.budget }

// Len returns the number of entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.lru.Init()
	s.size = 0
}

// Entries returns summaries of all entries, most recently used first.
func (s *MemoryStore) Entries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]Summary, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*memoryItem)
		summaries = append(summaries, summarize(item.entry, TierMemory, item.cost))
	}
	return summaries
}
