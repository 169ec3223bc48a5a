// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// File fetches file URLs from beneath a root directory.  The URL path is
// resolved relative to Root, and may not escape it.
type File struct {
	Root string
}

// Fetch opens the file named by rawURL.
func (f *File) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Root == "" {
		return nil, fmt.Errorf("fetch %s: file fetching is not enabled", rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return nil, fmt.Errorf("fetch %s: remote file host %q", rawURL, u.Host)
	}

	// path.Clean of a rooted path never leaves the root
	name := filepath.Join(f.Root, filepath.FromSlash(path.Clean("/"+u.Path)))

	file, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrNotFound)
	}

	return &Stream{
		Body:        file,
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
	}, nil
}
