// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package config loads imagepipeline server configuration.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"willnorris.com/go/imagepipeline/cache"
	"willnorris.com/go/imagepipeline/codec"
	"willnorris.com/go/imagepipeline/scheduler"
)

// EnvPrefix is the prefix of environment variables that override the
// configuration file, as in IMAGEPIPELINE_MEMORY_BUDGET.
const EnvPrefix = "IMAGEPIPELINE"

// ByteSize is a number of bytes.  In configuration files it may be written
// in human form, such as "256MiB" or "1g".
type ByteSize int64

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

// Config is the configuration of an imagepipeline server.
type Config struct {
	Addr string `mapstructure:"addr"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSize    int    `mapstructure:"log_max_size"` // megabytes
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogCompress   bool   `mapstructure:"log_compress"`

	// CacheDir is the directory of the disk cache tier.  If empty, images
	// are only cached in memory.
	CacheDir     string   `mapstructure:"cache_dir"`
	MemoryBudget ByteSize `mapstructure:"memory_budget"`
	DiskBudget   ByteSize `mapstructure:"disk_budget"`
	Reconcile    string   `mapstructure:"reconcile"`

	// Images smaller than MemoryOnlyMaxBytes, or in one of
	// MemoryOnlyFormats, are kept out of the disk tier.
	MemoryOnlyMaxBytes ByteSize `mapstructure:"memory_only_max_bytes"`
	MemoryOnlyFormats  []string `mapstructure:"memory_only_formats"`

	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	DefaultPriority    string        `mapstructure:"default_priority"`
	MaxProgressiveRate float64       `mapstructure:"max_progressive_rate"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	FetchRetries       int           `mapstructure:"fetch_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`

	// HTTPCache is a space separated list of HTTP response caches.  See
	// fetch.ParseCacheSpec.
	HTTPCache string `mapstructure:"http_cache"`
	UserAgent string `mapstructure:"user_agent"`

	AllowHosts []string `mapstructure:"allow_hosts"`
	DenyHosts  []string `mapstructure:"deny_hosts"`
	BaseURL    string   `mapstructure:"base_url"`

	// FileRoot enables file:// URLs, served from this directory.
	FileRoot string `mapstructure:"file_root"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)
	v.SetDefault("cache_dir", "")
	v.SetDefault("memory_budget", "256MiB")
	v.SetDefault("disk_budget", "1GiB")
	v.SetDefault("reconcile", string(cache.ReconcileEager))
	v.SetDefault("memory_only_max_bytes", 0)
	v.SetDefault("memory_only_formats", []string{})
	v.SetDefault("max_concurrent", 8)
	v.SetDefault("default_priority", "normal")
	v.SetDefault("max_progressive_rate", 4)
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("request_timeout", "0s")
	v.SetDefault("fetch_retries", 3)
	v.SetDefault("retry_backoff", "250ms")
	v.SetDefault("http_cache", "")
	v.SetDefault("user_agent", "")
	v.SetDefault("allow_hosts", []string{})
	v.SetDefault("deny_hosts", []string{})
	v.SetDefault("base_url", "")
	v.SetDefault("file_root", "")
}

// Load reads the configuration file at path, if path is not empty, and
// applies defaults and environment overrides.  The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowHosts = trimAll(cfg.AllowHosts)
	cfg.DenyHosts = trimAll(cfg.DenyHosts)
	cfg.MemoryOnlyFormats = trimAll(cfg.MemoryOnlyFormats)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return ByteSize(0), nil
			}
			n, err := units.RAMInBytes(v)
			if err != nil {
				return nil, fmt.Errorf("invalid byte size %q: %w", v, err)
			}
			return ByteSize(n), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		}
		return data, nil
	}
}

func trimAll(list []string) []string {
	var out []string
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Priority returns the default request priority.
func (c *Config) Priority() scheduler.Priority {
	p, _ := scheduler.ParsePriority(c.DefaultPriority)
	return p
}

// ReconcileMode returns the disk reconciliation mode.
func (c *Config) ReconcileMode() cache.ReconcileMode {
	return cache.ReconcileMode(strings.ToLower(c.Reconcile))
}

// StorePolicy returns the cache placement policy, or nil if every entry
// is stored on disk.
func (c *Config) StorePolicy() cache.Policy {
	if c.MemoryOnlyMaxBytes <= 0 && len(c.MemoryOnlyFormats) == 0 {
		return nil
	}
	formats := make([]codec.Format, len(c.MemoryOnlyFormats))
	for i, f := range c.MemoryOnlyFormats {
		formats[i] = codec.Format(strings.ToLower(f))
	}
	return cache.MemoryOnly(int64(c.MemoryOnlyMaxBytes), formats...)
}
