// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"willnorris.com/go/imagepipeline/cache"
	"willnorris.com/go/imagepipeline/scheduler"
)

// Server serves images from a Pipeline over HTTP.
//
// Requests take the form /{options}/{url}.  GET and HEAD return the image,
// DELETE removes it from the cache.  /metrics exposes prometheus metrics and
// /debug/entries lists the cache contents as JSON.
type Server struct {
	Pipeline *Pipeline

	// AllowHosts specifies a list of remote hosts that images can be
	// fetched from.  If empty, any host is allowed.  A host of the form
	// "*.example.com" matches example.com and all of its subdomains.
	AllowHosts []string

	// DenyHosts specifies a list of remote hosts that images cannot be
	// fetched from.  It is checked after AllowHosts.
	DenyHosts []string

	// DefaultBaseURL is used to resolve relative remote URLs.
	DefaultBaseURL *url.URL

	// Timeout, if positive, bounds each image request.
	Timeout time.Duration

	Logger *zap.Logger
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// ServeHTTP handles incoming requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/favicon.ico":
		return // ignore favicon requests
	case "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
		return
	case "/debug/entries":
		s.serveEntries(w, r)
		return
	}

	timer := prometheus.NewTimer(metricRequestDuration)
	defer timer.ObserveDuration()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)
	logger := s.logger().With(zap.String("request_id", requestID))

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	req, err := NewRequest(r, s.DefaultBaseURL)
	if err != nil {
		msg := fmt.Sprintf("invalid request URL: %v", err)
		logger.Info(msg)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	if !s.allowed(req.URL) {
		msg := fmt.Sprintf("remote URL is not for an allowed host: %v", req.URL)
		logger.Info(msg)
		http.Error(w, msg, http.StatusForbidden)
		return
	}

	if v := r.Header.Get("X-Priority"); v != "" {
		if req.Priority, err = scheduler.ParsePriority(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	req.Timeout = s.Timeout

	if r.Method == http.MethodDelete {
		id := req.Identifier()
		s.Pipeline.Cache().Invalidate(id)
		logger.Info("invalidated", zap.String("id", id))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h := s.Pipeline.Fetch(r.Context(), *req)
	res, err := h.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		status := errorStatus(err)
		logger.Warn("request failed",
			zap.String("id", req.Identifier()),
			zap.String("handle", h.ID()),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	logger.Info("request",
		zap.String("id", res.Identifier),
		zap.Stringer("source", res.Source),
		zap.Int("bytes", len(res.Data)))

	w.Header().Set("Etag", strconv.Quote(digest.FromBytes(res.Data).Encoded()))
	w.Header().Set("X-Image-Source", res.Source.String())
	if should304(r, w.Header()) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := "application/octet-stream"
	if c, ok := s.Pipeline.Registry().Lookup(res.Format); ok {
		contentType = c.Descriptor().MIMEType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(res.Data)
}

// entriesResponse is the body served at /debug/entries.
type entriesResponse struct {
	Stats   cache.Stats     `json:"stats"`
	Entries []cache.Summary `json:"entries"`
}

func (s *Server) serveEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	c := s.Pipeline.Cache()
	resp := entriesResponse{Stats: c.Stats(), Entries: c.ListEntries()}
	if resp.Entries == nil {
		resp.Entries = []cache.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger().Warn("writing entries", zap.Error(err))
	}
}

// errorStatus returns the HTTP status for a pipeline error.
func errorStatus(err error) int {
	var perr *Error
	if errors.As(err, &perr) && perr.Timeout() {
		return http.StatusGatewayTimeout
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFetchFailed), errors.Is(err, ErrDecodeFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrCancelled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// allowed determines whether the specified URL may be fetched.
func (s *Server) allowed(u *url.URL) bool {
	if len(s.AllowHosts) > 0 && !validHost(s.AllowHosts, u) {
		return false
	}
	if len(s.DenyHosts) > 0 && validHost(s.DenyHosts, u) {
		return false
	}
	return true
}

// validHost returns whether the host in u matches one of hosts.
func validHost(hosts []string, u *url.URL) bool {
	host := u.Hostname()
	if host == "" {
		return false
	}
	for _, h := range hosts {
		if host == h {
			return true
		}
		if strings.HasPrefix(h, "*.") && (host == h[2:] || strings.HasSuffix(host, h[1:])) {
			return true
		}
	}
	return false
}

// should304 returns whether the request can be answered with 304 Not
// Modified, given the response headers h.
func should304(req *http.Request, h http.Header) bool {
	// TODO: If-None-Match can be a comma separated list of etags, or "*"
	etag := h.Get("Etag")
	if etag != "" && etag == req.Header.Get("If-None-Match") {
		return true
	}

	lastModified, err := time.Parse(time.RFC1123, h.Get("Last-Modified"))
	if err != nil {
		return false
	}
	ifModSince, err := time.Parse(time.RFC1123, req.Header.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	return !lastModified.After(ifModSince)
}
