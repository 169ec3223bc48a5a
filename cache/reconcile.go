// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reconcile checks the loaded index records against the files on disk.
// Records whose file is missing or has the wrong size are dropped, and files
// with no index record are erased.  Finally the least recently used entries
// are evicted until the store is within budget.  Orphaned files cannot be adopted because
// their identifier is not recoverable from the file name.
//
// Entries put while reconciliation runs are left alone.
func (s *DiskStore) reconcile(ctx context.Context, loaded []*record) {
	var dropped, orphans int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileWorkers)
	for _, rec := range loaded {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			fi, err := os.Stat(s.path(rec.File))
			if err == nil && fi.Size() == rec.Size {
				return nil
			}

			unlock := s.locks.lock(rec.File)
			defer unlock()

			s.mu.Lock()
			elem, ok := s.items[rec.ID]
			current := ok && elem.Value == rec
			if current {
				s.unlink(elem)
				if err := s.journal.append(&record{Op: opDel, ID: rec.ID, File: rec.File}); err != nil {
					s.logger.Error("journaling delete", zap.String("id", rec.ID), zap.Error(err))
				}
				dropped++
			}
			s.mu.Unlock()
			if !current {
				// replaced or removed since it was loaded
				return nil
			}

			if err == nil {
				// wrong size
				s.erase(rec.File)
			}
			s.logger.Debug("dropping entry with missing content", zap.String("id", rec.ID), zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Info("reconciliation interrupted", zap.Error(err))
		return
	}

	// collect first so that erasing files does not disturb the walk
	var files []string
	for file := range s.files.Keys(ctx.Done()) {
		files = append(files, file)
	}
	for _, file := range files {
		if ctx.Err() != nil {
			s.logger.Info("reconciliation interrupted", zap.Error(ctx.Err()))
			return
		}
		if s.purgeOrphan(file) {
			orphans++
		}
	}

	// the index may have been written under a larger budget
	s.mu.Lock()
	victims := s.evictLocked()
	s.mu.Unlock()
	if len(victims) > 0 {
		s.signal()
	}

	s.logger.Info("reconciled disk cache",
		zap.Int("entries", s.Len()),
		zap.Int("dropped", dropped),
		zap.Int("orphans", orphans),
		zap.Int("evicted", len(victims)))
}

// purgeOrphan erases file if no index record refers to it.
func (s *DiskStore) purgeOrphan(file string) bool {
	unlock := s.locks.lock(file)
	defer unlock()

	s.mu.Lock()
	_, indexed := s.byFile[file]
	s.mu.Unlock()
	if indexed {
		return false
	}

	if len(file) < 4 {
		// not a name this store writes
		if err := os.Remove(s.path(file)); err != nil {
			s.logger.Warn("removing stray file", zap.String("file", file), zap.Error(err))
		}
		return true
	}
	s.erase(file)
	return true
}
