// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package fetch retrieves encoded images from remote and local sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrNotFound is returned when the requested resource does not exist.
var ErrNotFound = errors.New("fetch: not found")

// StatusError is returned when a remote server responds with an unexpected
// status code.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// StatusCode returns the response status code.
func (e *StatusError) StatusCode() int { return e.Code }

// Stream is the body of a fetched resource.  The caller must close Body.
type Stream struct {
	Body io.ReadCloser

	// Size is the length of Body in bytes, or -1 if unknown.
	Size int64

	ContentType string

	// FromCache reports whether the response was served by a local
	// response cache.
	FromCache bool
}

// Fetcher retrieves the resource at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Stream, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, rawURL string) (*Stream, error)

// Fetch calls f(ctx, rawURL).
func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	return f(ctx, rawURL)
}

// Retryable reports whether a fetch that failed with err may succeed if
// attempted again: network failures, server errors, and throttling.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
