// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// diskTier is the persistent tier of a Cache.
type diskTier interface {
	Get(id string) (*Entry, bool)
	Put(e *Entry) error
	Remove(id string) bool
	Clear() error
	TotalSize() int64
	Budget() int64
	Len() int
	Entries() []Summary
	Close() error
}

// Options configure a Cache.
type Options struct {
	// Dir is the directory of the disk tier.  If empty, the cache has no
	// disk tier.
	Dir string

	MemoryBudget int64
	DiskBudget   int64
	Reconcile    ReconcileMode

	// Policy decides the placement of entries stored with PlaceDefault.
	// If nil, StoreEverywhere is used.
	Policy Policy

	Logger *zap.Logger
}

// Cache coordinates a memory tier and a disk tier.  Operations on the same
// identifier are serialized; operations on different identifiers run
// concurrently.
type Cache struct {
	memory *MemoryStore
	disk   diskTier
	policy Policy
	logger *zap.Logger
	locks  keyLocks
}

// Open creates the tiers described by opt and returns a Cache using them.
func Open(opt Options) (*Cache, error) {
	var disk diskTier = nopDisk{}
	if opt.Dir != "" {
		d, err := OpenDiskStore(DiskOptions{
			Dir:       opt.Dir,
			Budget:    opt.DiskBudget,
			Reconcile: opt.Reconcile,
			Logger:    opt.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open disk cache: %w", err)
		}
		disk = d
	}
	return newCache(NewMemoryStore(opt.MemoryBudget), disk, opt.Policy, opt.Logger), nil
}

// New returns a Cache using the provided tiers.  disk may be nil for a
// memory-only cache.
func New(memory *MemoryStore, disk *DiskStore, policy Policy, logger *zap.Logger) *Cache {
	if disk == nil {
		return newCache(memory, nopDisk{}, policy, logger)
	}
	return newCache(memory, disk, policy, logger)
}

func newCache(memory *MemoryStore, disk diskTier, policy Policy, logger *zap.Logger) *Cache {
	if policy == nil {
		policy = StoreEverywhere
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		memory: memory,
		disk:   disk,
		policy: policy,
		logger: logger,
	}
}

// Lookup returns the entry for id from the memory tier, or else from the
// disk tier.  Disk hits are promoted into the memory tier.
func (c *Cache) Lookup(id string) (*Entry, Tier, bool) {
	unlock := c.locks.lock(id)
	defer unlock()

	if e, ok := c.memory.Get(id); ok {
		return e, TierMemory, true
	}

	e, ok := c.disk.Get(id)
	if !ok {
		return nil, TierNone, false
	}
	promoted := *e
	c.logEvicted(TierMemory, c.memory.Put(&promoted))
	return e, TierDisk, true
}

// LookupMemory returns the entry for id if the memory tier holds it.  It
// never reads the disk tier, and does not wait for other operations on id.
func (c *Cache) LookupMemory(id string) (*Entry, bool) {
	return c.memory.Get(id)
}

// Store saves e in the tiers selected by p.  Failures to write the disk
// tier are logged and otherwise ignored.
func (c *Cache) Store(e *Entry, p Placement) {
	unlock := c.locks.lock(e.ID)
	defer unlock()

	memoryOnly := p == PlaceMemory || (p == PlaceDefault && c.policy(e))

	m := *e
	c.logEvicted(TierMemory, c.memory.Put(&m))

	if memoryOnly {
		return
	}
	if err := c.disk.Put(e.withoutImage()); err != nil {
		c.logger.Warn("storing entry on disk", zap.String("id", e.ID), zap.Error(err))
	}
}

func (c *Cache) logEvicted(t Tier, evicted []*Entry) {
	for _, e := range evicted {
		c.logger.Debug("evicted",
			zap.String("id", e.ID),
			zap.String("tier", t.String()),
			zap.Int64("bytes", e.memoryCost()))
	}
}

// Invalidate removes id from both tiers.
func (c *Cache) Invalidate(id string) {
	unlock := c.locks.lock(id)
	defer unlock()

	c.memory.Remove(id)
	c.disk.Remove(id)
}

// InvalidateAll removes every entry from both tiers.
func (c *Cache) InvalidateAll() {
	c.memory.Clear()
	if err := c.disk.Clear(); err != nil {
		c.logger.Warn("clearing disk cache", zap.Error(err))
	}
}

// ListEntries returns summaries of every entry in both tiers, memory tier
// first, each in most recently used order.
func (c *Cache) ListEntries() []Summary {
	return append(c.memory.Entries(), c.disk.Entries()...)
}

// Stats describes the occupancy of the cache tiers.
type Stats struct {
	MemorySize    int64 `json:"memory_size"`
	MemoryBudget  int64 `json:"memory_budget"`
	MemoryEntries int   `json:"memory_entries"`
	DiskSize      int64 `json:"disk_size"`
	DiskBudget    int64 `json:"disk_budget"`
	DiskEntries   int   `json:"disk_entries"`
}

// Stats returns the current occupancy of the cache tiers.
func (c *Cache) Stats() Stats {
	return Stats{
		MemorySize:    c.memory.TotalSize(),
		MemoryBudget:  c.memory.Budget(),
		MemoryEntries: c.memory.Len(),
		DiskSize:      c.disk.TotalSize(),
		DiskBudget:    c.disk.Budget(),
		DiskEntries:   c.disk.Len(),
	}
}

// Close flushes the disk tier.
func (c *Cache) Close() error {
	return c.disk.Close()
}

var (
	sharedMu sync.Mutex
	shared   *Cache
)

// Shared returns the process-wide cache, opening it with opt on first use.
// Later calls ignore opt.
func Shared(opt Options) (*Cache, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	c, err := Open(opt)
	if err != nil {
		return nil, err
	}
	shared = c
	return shared, nil
}

// CloseShared closes the process-wide cache.  The next call to Shared opens
// a new one.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		return errors.New("cache: shared cache not open")
	}
	err := shared.Close()
	shared = nil
	return err
}
