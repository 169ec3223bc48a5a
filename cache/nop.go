// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package cache

// nopDisk is the disk tier of a memory-only cache.  It doesn't actually
// cache anything.
type nopDisk struct{}

func (nopDisk) Get(string) (*Entry, bool) { return nil, false }
func (nopDisk) Put(*Entry) error          { return nil }
func (nopDisk) Remove(string) bool        { return false }
func (nopDisk) Clear() error              { return nil }
func (nopDisk) TotalSize() int64          { return 0 }
func (nopDisk) Budget() int64             { return 0 }
func (nopDisk) Len() int                  { return 0 }
func (nopDisk) Entries() []Summary        { return nil }
func (nopDisk) Close() error              { return nil }
