// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// imagepipeline starts an HTTP server that serves cached, transformed
// images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"willnorris.com/go/imagepipeline"
	"willnorris.com/go/imagepipeline/cache"
	"willnorris.com/go/imagepipeline/fetch"
	"willnorris.com/go/imagepipeline/internal/config"
	"willnorris.com/go/imagepipeline/internal/logger"
)

var configPath = flag.String("config", "", "path to configuration file")
var addr = flag.String("addr", "", "TCP address to listen on, overriding the configuration file")
var verbose = flag.Bool("verbose", false, "print verbose logging messages")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	zl, err := logger.New(cfg.LogLevel, cfg.LogFile, logger.WithRotation(logger.Rotation{
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
	}))
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := cache.Open(cache.Options{
		Dir:          cfg.CacheDir,
		MemoryBudget: int64(cfg.MemoryBudget),
		DiskBudget:   int64(cfg.DiskBudget),
		Reconcile:    cfg.ReconcileMode(),
		Policy:       cfg.StorePolicy(),
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("error opening cache: %w", err)
	}
	defer c.Close()

	fetcher, closeFetcher, err := newFetcher(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeFetcher()

	p, err := imagepipeline.New(imagepipeline.Config{
		Cache:              c,
		Fetcher:            fetcher,
		MaxConcurrent:      cfg.MaxConcurrent,
		DefaultPriority:    cfg.Priority(),
		MaxProgressiveRate: cfg.MaxProgressiveRate,
		FetchTimeout:       cfg.FetchTimeout,
		FetchRetries:       cfg.FetchRetries,
		RetryBackoff:       cfg.RetryBackoff,
		Logger:             zl,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	s := &imagepipeline.Server{
		Pipeline:   p,
		AllowHosts: cfg.AllowHosts,
		DenyHosts:  cfg.DenyHosts,
		Timeout:    cfg.RequestTimeout,
		Logger:     zl,
	}
	if cfg.BaseURL != "" {
		if s.DefaultBaseURL, err = url.Parse(cfg.BaseURL); err != nil {
			return fmt.Errorf("error parsing baseURL: %w", err)
		}
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.PathPrefix("/").Handler(s)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zl.Info("imagepipeline listening", zap.String("addr", server.Addr))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// newFetcher returns a fetcher for every URL scheme the configuration
// enables, and a func to release it.
func newFetcher(ctx context.Context, cfg *config.Config, zl *zap.Logger) (fetch.Fetcher, func(), error) {
	m := fetch.NewMux()

	opt := fetch.HTTPOptions{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.FetchTimeout,
		Logger:    zl,
	}
	if cfg.HTTPCache != "" {
		var err error
		if opt.Cache, err = fetch.ParseCacheSpec(cfg.HTTPCache); err != nil {
			return nil, nil, fmt.Errorf("error parsing http_cache: %w", err)
		}
	}
	h, err := fetch.NewHTTP(opt)
	if err != nil {
		return nil, nil, err
	}
	m.Handle(h, "http", "https")
	m.Handle(&fetch.S3{}, "s3")

	closer := func() {}
	if gcs, err := fetch.NewGCS(ctx); err != nil {
		zl.Warn("gs:// URLs disabled", zap.Error(err))
	} else {
		m.Handle(gcs, "gs")
		closer = func() { gcs.Close() }
	}

	if cfg.FileRoot != "" {
		m.Handle(&fetch.File{Root: cfg.FileRoot}, "file")
	}
	return m, closer, nil
}
