// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ErrUnsupportedScheme is returned by Mux for URLs with no registered fetcher.
var ErrUnsupportedScheme = errors.New("fetch: unsupported url scheme")

// Mux dispatches to a Fetcher based on the URL scheme.
type Mux struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{fetchers: make(map[string]Fetcher)}
}

// Handle registers f for each of schemes, replacing any existing fetcher.
func (m *Mux) Handle(f Fetcher, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemes {
		m.fetchers[strings.ToLower(s)] = f
	}
}

// Fetch retrieves rawURL using the fetcher registered for its scheme.
func (m *Mux) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	m.mu.RLock()
	f, ok := m.fetchers[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w %q", rawURL, ErrUnsupportedScheme, u.Scheme)
	}
	return f.Fetch(ctx, rawURL)
}
