// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"context"
	"errors"
	"fmt"

	"willnorris.com/go/imagepipeline/cache"
	"willnorris.com/go/imagepipeline/codec"
	"willnorris.com/go/imagepipeline/fetch"
	"willnorris.com/go/imagepipeline/scheduler"
)

// Kind classifies pipeline failures.
type Kind int

// Failure kinds.
const (
	KindNotFound Kind = iota + 1
	KindDecodeFailed
	KindFetchFailed
	KindStorageFailed
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindDecodeFailed:
		return "decode failed"
	case KindFetchFailed:
		return "fetch failed"
	case KindStorageFailed:
		return "storage failed"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels matched by errors.Is against an *Error of the corresponding Kind.
var (
	ErrNotFound      = errors.New("imagepipeline: not found")
	ErrDecodeFailed  = errors.New("imagepipeline: decode failed")
	ErrFetchFailed   = errors.New("imagepipeline: fetch failed")
	ErrStorageFailed = errors.New("imagepipeline: storage failed")
	ErrCancelled     = errors.New("imagepipeline: cancelled")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindDecodeFailed:
		return ErrDecodeFailed
	case KindFetchFailed:
		return ErrFetchFailed
	case KindStorageFailed:
		return ErrStorageFailed
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// Error is the failure delivered to observers of a request.
type Error struct {
	Kind       Kind
	Identifier string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Identifier, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Identifier, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Timeout reports whether the fetch failed because a deadline passed.
func (e *Error) Timeout() bool {
	return e.Kind == KindFetchFailed && errors.Is(e.Err, context.DeadlineExceeded)
}

// classify wraps err in an *Error for the operation on id.
func classify(id string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindFetchFailed
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, codec.ErrUnknownFormat),
		errors.Is(err, codec.ErrDecode),
		errors.Is(err, codec.ErrTooLarge),
		errors.Is(err, codec.ErrEncodeUnsupported):
		kind = KindDecodeFailed
	case errors.Is(err, cache.ErrCorrupt):
		kind = KindStorageFailed
	case errors.Is(err, scheduler.ErrCancelled),
		errors.Is(err, scheduler.ErrClosed),
		errors.Is(err, context.Canceled):
		kind = KindCancelled
	}
	return &Error{Kind: kind, Identifier: id, Err: err}
}
