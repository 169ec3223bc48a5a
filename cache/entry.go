// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package cache implements a two tier image cache.  Encoded images, and
// optionally their decoded pixels, are kept in a bounded in-memory LRU store
// backed by a bounded on-disk LRU store that survives restarts.
package cache

import (
	"errors"
	"slices"
	"time"

	"willnorris.com/go/imagepipeline/codec"
)

// ErrCorrupt is reported when a disk entry or index record fails validation.
// It is never returned by Cache; corrupt entries are purged and treated as
// misses.
var ErrCorrupt = errors.New("cache: corrupt entry")

// Tier identifies where a cache entry was found.
type Tier int

// Cache tiers.
const (
	TierNone Tier = iota
	TierMemory
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	}
	return "none"
}

// Entry is a cached image.
type Entry struct {
	// ID is the resource identifier the entry is stored under.
	ID string

	// Data holds the encoded image bytes.
	Data []byte

	// Image holds the decoded image.  It is only retained by the memory
	// tier and is nil for entries read from disk.
	Image *codec.Image

	Format codec.Format
	Width  int
	Height int
	Frames int

	Inserted time.Time
	Accessed time.Time
}

// memoryCost returns the number of bytes an entry is charged in the memory
// tier: the encoded bytes plus an estimate of the decoded pixels.
func (e *Entry) memoryCost() int64 {
	return int64(len(e.Data)) + e.Image.Cost()
}

// diskCost returns the number of bytes an entry is charged in the disk tier.
func (e *Entry) diskCost() int64 {
	return int64(len(e.Data))
}

// withoutImage returns a shallow copy of e with no decoded image.
func (e *Entry) withoutImage() *Entry {
	c := *e
	c.Image = nil
	return &c
}

// Summary is a read-only view of a cache entry.
type Summary struct {
	ID       string       `json:"id"`
	Tier     string       `json:"tier"`
	Size     int64        `json:"size"`
	Format   codec.Format `json:"format"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Frames   int          `json:"frames"`
	Inserted time.Time    `json:"inserted"`
	Accessed time.Time    `json:"accessed"`
}

func summarize(e *Entry, t Tier, size int64) Summary {
	return Summary{
		ID:       e.ID,
		Tier:     t.String(),
		Size:     size,
		Format:   e.Format,
		Width:    e.Width,
		Height:   e.Height,
		Frames:   e.Frames,
		Inserted: e.Inserted,
		Accessed: e.Accessed,
	}
}

// Placement selects the tiers an entry is stored in.
type Placement int

const (
	// PlaceDefault consults the cache's Policy.
	PlaceDefault Placement = iota

	// PlaceMemory stores the entry in the memory tier only.
	PlaceMemory

	// PlaceBoth stores the entry in the memory and disk tiers.
	PlaceBoth
)

// Policy decides the placement of entries stored with PlaceDefault.  It
// returns true if the entry should be kept in memory only.
type Policy func(e *Entry) (memoryOnly bool)

// StoreEverywhere is the default Policy; every entry goes to both tiers.
func StoreEverywhere(*Entry) bool { return false }

// MemoryOnly returns a Policy that keeps entries in memory only when their
// encoded size is below maxBytes or their format is one of formats.  A
// maxBytes of zero disables the size rule.
func MemoryOnly(maxBytes int64, formats ...codec.Format) Policy {
	return func(e *Entry) bool {
		if maxBytes > 0 && int64(len(e.Data)) < maxBytes {
			return true
		}
		return slices.Contains(formats, e.Format)
	}
}
