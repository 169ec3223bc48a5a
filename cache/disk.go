// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"
)

// ReconcileMode controls when a disk store checks its index against the
// files on disk.
type ReconcileMode string

const (
	// ReconcileEager reconciles before OpenDiskStore returns.
	ReconcileEager ReconcileMode = "eager"

	// ReconcileLazy reconciles in the background.  Lookups miss until it
	// finishes.
	ReconcileLazy ReconcileMode = "lazy"
)

// number of files checked concurrently during reconciliation
const reconcileWorkers = 8

// DiskOptions configure a DiskStore.
type DiskOptions struct {
	// Dir is the root directory of the store.
	Dir string

	// Budget is the maximum total size of the content files in bytes.
	Budget int64

	Reconcile ReconcileMode
	Logger    *zap.Logger
}

// DiskStore is an LRU store of encoded images on local disk.  Content files
// are managed by diskv and described by an index that is persisted as a
// compressed snapshot plus an append-only journal.
type DiskStore struct {
	dir    string
	budget int64
	files  *diskv.Diskv
	logger *zap.Logger
	locks  keyLocks // by file key
	now    func() time.Time

	mu      sync.Mutex
	size    int64
	items   map[string]*list.Element // by id
	byFile  map[string]string        // file key to id
	lru     *list.List               // of *record, most recently used at the front
	journal *journal

	// victims waiting for their files to be erased
	pending []*record
	wake    chan struct{}

	ready  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// OpenDiskStore opens or creates the disk store in opt.Dir and loads its
// index.
func OpenDiskStore(opt DiskOptions) (*DiskStore, error) {
	if opt.Dir == "" {
		return nil, errors.New("cache: disk store directory required")
	}
	if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DiskStore{
		dir:    opt.Dir,
		budget: opt.Budget,
		files: diskv.New(diskv.Options{
			BasePath: filepath.Join(opt.Dir, "data"),
			TempDir:  filepath.Join(opt.Dir, "tmp"),
			// For file "c0ffee", store file as "c0/ff/c0ffee"
			Transform: func(s string) []string {
				if len(s) < 4 {
					return nil
				}
				return []string{s[0:2], s[2:4]}
			},
			PathPerm: 0o755,
			FilePerm: 0o644,
		}),
		logger: logger.With(zap.String("tier", TierDisk.String())),
		now:    time.Now,
		items:  make(map[string]*list.Element),
		byFile: make(map[string]string),
		lru:    list.New(),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	loaded, err := s.load()
	if err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.eraser()

	switch opt.Reconcile {
	case ReconcileLazy:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconcile(ctx, loaded)
			s.ready.Store(true)
		}()
	default:
		s.reconcile(ctx, loaded)
		s.ready.Store(true)
	}
	return s, nil
}

// fileKey returns the content file name for id.
func fileKey(id string) string {
	return digest.FromString(id).Encoded()
}

func (s *DiskStore) path(file string) string {
	if len(file) < 4 {
		return filepath.Join(s.files.BasePath, file)
	}
	return filepath.Join(s.files.BasePath, file[0:2], file[2:4], file)
}

// load reads the snapshot and replays the journal into the index.  It
// returns the records that were loaded.
func (s *DiskStore) load() ([]*record, error) {
	// files of dropped records are unindexed, so reconciliation reclaims them
	bad := func(rec *record, err error) {
		s.logger.Warn("dropping index record", zap.String("id", rec.ID), zap.String("file", rec.File), zap.Error(err))
	}

	err := readSnapshot(filepath.Join(s.dir, snapshotName), func(rec *record) {
		rec.Op = ""
		s.insert(rec)
	}, bad)
	if err != nil {
		// an unreadable snapshot leaves every file an orphan
		s.logger.Warn("reading index snapshot", zap.Error(err))
	}

	journalPath := filepath.Join(s.dir, journalName)
	if f, err := os.Open(journalPath); err == nil {
		err = readRecords(f, func(rec *record) {
			switch rec.Op {
			case opDel:
				if elem, ok := s.items[rec.ID]; ok {
					s.unlink(elem)
				}
			default:
				rec.Op = ""
				s.insert(rec)
			}
		}, bad)
		f.Close()
		if err != nil {
			s.logger.Warn("reading index journal", zap.Error(err))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open index journal: %w", err)
	}

	j, err := openJournal(journalPath)
	if err != nil {
		return nil, err
	}
	s.journal = j

	loaded := make([]*record, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		loaded = append(loaded, elem.Value.(*record))
	}
	return loaded, nil
}

// insert adds or replaces rec as the most recently used record.  s.mu must
// be held.
func (s *DiskStore) insert(rec *record) {
	if elem, ok := s.items[rec.ID]; ok {
		old := elem.Value.(*record)
		s.size -= old.Size
		delete(s.byFile, old.File)
		elem.Value = rec
		s.lru.MoveToFront(elem)
	} else {
		s.items[rec.ID] = s.lru.PushFront(rec)
	}
	s.byFile[rec.File] = rec.ID
	s.size += rec.Size
}

// unlink removes elem from the index.  s.mu must be held.
func (s *DiskStore) unlink(elem *list.Element) *record {
	rec := s.lru.Remove(elem).(*record)
	delete(s.items, rec.ID)
	if s.byFile[rec.File] == rec.ID {
		delete(s.byFile, rec.File)
	}
	s.size -= rec.Size
	return rec
}

// Get reads the entry for id.  Entries whose content does not match the
// index are purged and reported as misses.
func (s *DiskStore) Get(id string) (*Entry, bool) {
	if !s.ready.Load() || s.closed.Load() {
		return nil, false
	}

	file := fileKey(id)
	unlock := s.locks.lock(file)
	defer unlock()

	s.mu.Lock()
	elem, ok := s.items[id]
	var rec *record
	if ok {
		rec = elem.Value.(*record)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := s.files.Read(rec.File)
	if err == nil {
		err = verify(rec, data)
	}
	if err != nil {
		s.logger.Warn("purging unreadable entry", zap.String("id", id), zap.Error(err))
		s.purge(rec)
		return nil, false
	}

	now := s.now()
	s.mu.Lock()
	if elem, ok := s.items[id]; ok && elem.Value == rec {
		rec.Accessed = now
		s.lru.MoveToFront(elem)
	}
	s.mu.Unlock()

	e := rec.entry(data)
	e.Accessed = now
	return e, true
}

func verify(rec *record, data []byte) error {
	if int64(len(data)) != rec.Size {
		return fmt.Errorf("%w: size %d, want %d", ErrCorrupt, len(data), rec.Size)
	}
	if rec.Digest != "" && digest.FromBytes(data) != rec.Digest {
		return fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return nil
}

// purge removes rec from the index if it is still current and erases its
// file.  The file lock for rec must be held.
func (s *DiskStore) purge(rec *record) {
	s.mu.Lock()
	if elem, ok := s.items[rec.ID]; ok && elem.Value == rec {
		s.unlink(elem)
		if err := s.journal.append(&record{Op: opDel, ID: rec.ID, File: rec.File}); err != nil {
			s.logger.Error("journaling delete", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	s.mu.Unlock()
	s.erase(rec.File)
}

func (s *DiskStore) erase(file string) {
	if err := s.files.Erase(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("erasing content file", zap.String("file", file), zap.Error(err))
	}
}

// Put writes e to disk, replacing any existing entry for e.ID.  The least
// recently used entries are dropped from the index until the store is within
// budget; their files are erased in the background.
func (s *DiskStore) Put(e *Entry) error {
	if s.closed.Load() {
		return errors.New("cache: disk store closed")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("cache: refusing to store empty entry %q", e.ID)
	}

	file := fileKey(e.ID)
	unlock := s.locks.lock(file)
	defer unlock()

	if err := s.files.WriteStream(file, bytes.NewReader(e.Data), true); err != nil {
		return fmt.Errorf("write content file: %w", err)
	}

	now := s.now()
	rec := newRecord(e, file)
	if rec.Inserted.IsZero() {
		rec.Inserted = now
	}
	rec.Accessed = now

	s.mu.Lock()
	if err := s.journal.append(rec.withOp(opPut)); err != nil {
		s.mu.Unlock()
		// the file is left for reconciliation to reclaim
		return err
	}
	s.insert(rec)
	victims := s.evictLocked()
	s.mu.Unlock()

	for _, v := range victims {
		s.logger.Debug("evicted", zap.String("id", v.ID), zap.Int64("bytes", v.Size))
	}
	s.signal()
	return nil
}

// evictLocked drops least recently used records from the index until the
// store is within budget, and queues their files for the eraser.  s.mu must
// be held.
func (s *DiskStore) evictLocked() []*record {
	var victims []*record
	for s.size > s.budget && s.lru.Len() > 0 {
		victims = append(victims, s.unlink(s.lru.Back()))
	}
	s.pending = append(s.pending, victims...)
	return victims
}

func (s *DiskStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// eraser deletes the files of evicted records and compacts the index when
// the journal grows too long.
func (s *DiskStore) eraser() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			s.drain()
			s.maybeCompact()
		case <-s.ctx.Done():
			s.drain()
			return
		}
	}
}

// drain erases the files of all pending victims.
func (s *DiskStore) drain() {
	for {
		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, rec := range pending {
			s.eraseVictim(rec)
		}
	}
}

func (s *DiskStore) eraseVictim(rec *record) {
	unlock := s.locks.lock(rec.File)
	defer unlock()

	s.mu.Lock()
	if _, ok := s.items[rec.ID]; ok {
		// put again since it was evicted
		s.mu.Unlock()
		return
	}
	if err := s.journal.append(&record{Op: opDel, ID: rec.ID, File: rec.File}); err != nil {
		s.logger.Error("journaling delete", zap.String("id", rec.ID), zap.Error(err))
	}
	s.mu.Unlock()

	s.erase(rec.File)
}

func (s *DiskStore) maybeCompact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal.count > max(1024, 4*s.lru.Len()) {
		if err := s.compactLocked(); err != nil {
			s.logger.Error("compacting index", zap.Error(err))
		}
	}
}

// Compact writes a fresh snapshot of the index and truncates the journal.
func (s *DiskStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *DiskStore) compactLocked() error {
	// least recently used first, so that replay restores the order
	recs := make([]*record, 0, s.lru.Len())
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		recs = append(recs, elem.Value.(*record))
	}
	if err := writeSnapshot(filepath.Join(s.dir, snapshotName), recs); err != nil {
		return err
	}
	return s.journal.truncate()
}

// Remove deletes the entry for id, reporting whether it was present.
func (s *DiskStore) Remove(id string) bool {
	file := fileKey(id)
	unlock := s.locks.lock(file)
	defer unlock()

	s.mu.Lock()
	elem, ok := s.items[id]
	if ok {
		s.unlink(elem)
		if err := s.journal.append(&record{Op: opDel, ID: id, File: file}); err != nil {
			s.logger.Error("journaling delete", zap.String("id", id), zap.Error(err))
		}
	}
	s.mu.Unlock()

	if ok {
		s.erase(file)
	}
	return ok
}

// Clear removes all entries and content files.
func (s *DiskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.byFile = make(map[string]string)
	s.lru.Init()
	s.size = 0
	s.pending = nil
	if err := s.files.EraseAll(); err != nil {
		return fmt.Errorf("erase content files: %w", err)
	}
	return s.compactLocked()
}

// TotalSize returns the sum of the sizes of all indexed content files.
func (s *DiskStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Budget returns the maximum total size of the store.
func (s *DiskStore) Budget() int64 { return s.budget }

// Len returns the number of indexed entries.
func (s *DiskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Ready reports whether reconciliation has finished.
func (s *DiskStore) Ready() bool { return s.ready.Load() }

// Entries returns summaries of all entries, most recently used first.
func (s *DiskStore) Entries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]Summary, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		rec := elem.Value.(*record)
		summaries = append(summaries, summarize(rec.entry(nil), TierDisk, rec.Size))
	}
	return summaries
}

// Close stops background work, erases the files of pending victims, and
// compacts the index.
func (s *DiskStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.compactLocked()
	if cerr := s.journal.close(); err == nil {
		err = cerr
	}
	return err
}
