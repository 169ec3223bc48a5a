// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	aia "github.com/fcjr/aia-transport-go"
	"github.com/gomodule/redigo/redis"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"
)

// size of the in-memory response cache when none is specified, in megabytes
const defaultMemorySize = 100

// DefaultUserAgent is sent with requests when HTTPOptions.UserAgent is empty.
const DefaultUserAgent = "willnorris/imagepipeline"

// HTTPOptions configure an HTTP fetcher.
type HTTPOptions struct {
	// Transport is the underlying round tripper.  If nil, a transport that
	// fetches missing intermediate certificates is used.
	Transport http.RoundTripper

	// Cache, if set, caches responses according to their cache headers.
	Cache httpcache.Cache

	UserAgent string

	// Timeout limits each request.  Zero means no limit beyond the
	// request context.
	Timeout time.Duration

	Logger *zap.Logger
}

// HTTP fetches http and https URLs.
type HTTP struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewHTTP returns an HTTP fetcher configured by opt.
func NewHTTP(opt HTTPOptions) (*HTTP, error) {
	transport := opt.Transport
	if transport == nil {
		t, err := aia.NewTransport()
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		transport = t
	}
	if opt.Cache != nil {
		transport = &httpcache.Transport{
			Transport:           transport,
			Cache:               opt.Cache,
			MarkCachedResponses: true,
		}
	}

	f := &HTTP{
		client:    &http.Client{Transport: transport, Timeout: opt.Timeout},
		userAgent: opt.UserAgent,
		logger:    opt.Logger,
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	return f, nil
}

// Fetch issues a GET request for rawURL.
func (f *HTTP) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	fromCache := resp.Header.Get(httpcache.XFromCache) == "1"
	f.logger.Debug("fetched",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes", resp.ContentLength),
		zap.Bool("cached", fromCache))

	return &Stream{
		Body:        resp.Body,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		FromCache:   fromCache,
	}, nil
}

// ParseCacheSpec returns the response cache described by spec, a space
// separated list of caches which are tiered in the order given.  Each cache
// is one of:
//
//	memory[:SIZE[:AGE]]  in-memory LRU cache of SIZE megabytes (default 100)
//	                     whose entries expire after AGE
//	redis://HOST[:PORT]  redis server; the password is read from the
//	                     REDIS_PASSWORD environment variable
//	file:///PATH, PATH   directory on local disk
//
// An empty spec returns a nil cache.
func ParseCacheSpec(spec string) (httpcache.Cache, error) {
	var cache httpcache.Cache
	for _, v := range strings.Fields(spec) {
		c, err := parseCache(v)
		if err != nil {
			return nil, err
		}
		if cache == nil {
			cache = c
		} else {
			cache = twotier.New(cache, c)
		}
	}
	return cache, nil
}

func parseCache(c string) (httpcache.Cache, error) {
	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache spec: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return lruCache(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return rediscache.NewWithClient(conn), nil
	case "file":
		return diskCache(u.Path), nil
	case "":
		return diskCache(c), nil
	}
	return nil, fmt.Errorf("unsupported cache spec %q", c)
}

// lruCache creates an LRU Cache with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
