// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"willnorris.com/go/imagepipeline/codec"
)

const (
	snapshotName = "index.snap"
	journalName  = "index.log"

	opPut = "put"
	opDel = "del"

	// maximum length of a single index line
	maxRecordSize = 1 << 20
)

// record is a single line of the disk index.  Snapshot lines omit Op.
type record struct {
	Op       string        `json:"op,omitempty"`
	ID       string        `json:"id"`
	File     string        `json:"file"`
	Size     int64         `json:"size"`
	Format   codec.Format  `json:"format,omitempty"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	Frames   int           `json:"frames,omitempty"`
	Digest   digest.Digest `json:"digest,omitempty"`
	Inserted time.Time     `json:"inserted"`
	Accessed time.Time     `json:"accessed"`
}

// validate reports ErrCorrupt for records that cannot describe an entry.
func (r *record) validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: record has no id", ErrCorrupt)
	case r.Op == opDel:
		return nil
	case r.File == "":
		return fmt.Errorf("%w: record for %q has no file", ErrCorrupt, r.ID)
	case r.Size <= 0:
		return fmt.Errorf("%w: record for %q has size %d", ErrCorrupt, r.ID, r.Size)
	}
	return nil
}

func newRecord(e *Entry, file string) *record {
	return &record{
		ID:       e.ID,
		File:     file,
		Size:     e.diskCost(),
		Format:   e.Format,
		Width:    e.Width,
		Height:   e.Height,
		Frames:   e.Frames,
		Digest:   digest.FromBytes(e.Data),
		Inserted: e.Inserted,
		Accessed: e.Accessed,
	}
}

// withOp returns a copy of r tagged with op for the journal.
func (r *record) withOp(op string) *record {
	c := *r
	c.Op = op
	return &c
}

func (r *record) entry(data []byte) *Entry {
	return &Entry{
		ID:       r.ID,
		Data:     data,
		Format:   r.Format,
		Width:    r.Width,
		Height:   r.Height,
		Frames:   r.Frames,
		Inserted: r.Inserted,
		Accessed: r.Accessed,
	}
}

// readRecords calls fn for every line of r.  Lines that do not parse or fail
// validation are passed to bad instead.
func readRecords(r io.Reader, fn func(*record), bad func(*record, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := new(record)
		if err := json.Unmarshal(line, rec); err != nil {
			bad(rec, fmt.Errorf("%w: %v", ErrCorrupt, err))
			continue
		}
		if err := rec.validate(); err != nil {
			bad(rec, err)
			continue
		}
		fn(rec)
	}
	return scanner.Err()
}

// readSnapshot reads the zstd compressed snapshot at path.  A missing
// snapshot is not an error.
func readSnapshot(path string, fn func(*record), bad func(*record, error)) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	return readRecords(zr, fn, bad)
}

// writeSnapshot atomically replaces the snapshot at path with recs.
func writeSnapshot(path string, recs []*record) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	err = func() error {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(zw)
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				zw.Close()
				return err
			}
		}
		if err := zw.Close(); err != nil {
			return err
		}
		return f.Sync()
	}()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write index snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// journal is the append-only log of index changes since the last snapshot.
type journal struct {
	path  string
	f     *os.File
	enc   *json.Encoder
	count int
}

func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open index journal: %w", err)
	}
	return &journal{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

func (j *journal) append(rec *record) error {
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("append index journal: %w", err)
	}
	j.count++
	return nil
}

// truncate discards all journal records.
func (j *journal) truncate() error {
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate index journal: %w", err)
	}
	j.count = 0
	return nil
}

func (j *journal) close() error {
	return j.f.Close()
}
