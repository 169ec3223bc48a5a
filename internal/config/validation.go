// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"net/url"
	"strings"

	"willnorris.com/go/imagepipeline/cache"
	"willnorris.com/go/imagepipeline/codec"
	"willnorris.com/go/imagepipeline/scheduler"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks c for values the server cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Addr == "" {
		return newFieldError("addr", "must not be empty")
	}
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return newFieldError("log_level", "must be one of debug|info|warn|error")
	}
	if c.LogMaxSize < 0 {
		return newFieldError("log_max_size", "must not be negative")
	}
	if c.LogMaxBackups < 0 {
		return newFieldError("log_max_backups", "must not be negative")
	}

	if c.MemoryBudget <= 0 {
		return newFieldError("memory_budget", "must be greater than 0")
	}
	if c.CacheDir != "" && c.DiskBudget <= 0 {
		return newFieldError("disk_budget", "must be greater than 0 when cache_dir is set")
	}
	switch c.ReconcileMode() {
	case cache.ReconcileEager, cache.ReconcileLazy:
	default:
		return newFieldError("reconcile", "must be eager or lazy")
	}
	if c.MemoryOnlyMaxBytes < 0 {
		return newFieldError("memory_only_max_bytes", "must not be negative")
	}
	for _, f := range c.MemoryOnlyFormats {
		if _, ok := codec.Default().Lookup(codec.Format(strings.ToLower(f))); !ok {
			return newFieldError("memory_only_formats", "unknown image format "+f)
		}
	}

	if c.MaxConcurrent <= 0 {
		return newFieldError("max_concurrent", "must be greater than 0")
	}
	if _, err := scheduler.ParsePriority(c.DefaultPriority); err != nil {
		return newFieldError("default_priority", "must be one of low|normal|high|critical")
	}
	if c.MaxProgressiveRate < 0 {
		return newFieldError("max_progressive_rate", "must not be negative")
	}
	if c.FetchTimeout < 0 {
		return newFieldError("fetch_timeout", "must not be negative")
	}
	if c.RequestTimeout < 0 {
		return newFieldError("request_timeout", "must not be negative")
	}
	if c.FetchRetries < 0 {
		return newFieldError("fetch_retries", "must not be negative")
	}
	if c.RetryBackoff < 0 {
		return newFieldError("retry_backoff", "must not be negative")
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || !u.IsAbs() {
			return newFieldError("base_url", "must be an absolute URL")
		}
	}
	return nil
}
