// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		url     string
		allow   []string
		deny    []string
		allowed bool
	}{
		{"http://test/image", nil, nil, true},

		{"http://good/image", []string{"good"}, nil, true},
		{"http://bad/image", []string{"good"}, nil, false},

		{"http://good/image", nil, []string{"bad"}, true},
		{"http://bad/image", nil, []string{"bad"}, false},
		{"http://x.bad/image", nil, []string{"*.bad"}, false},

		// deny list is checked after allow list
		{"http://x.good/image", []string{"*.good"}, []string{"x.good"}, false},
		{"http://y.good/image", []string{"*.good"}, []string{"x.good"}, true},

		{"s3://us-east-1/bucket/key", []string{"us-east-1"}, nil, true},
	}

	for _, tt := range tests {
		s := &Server{AllowHosts: tt.allow, DenyHosts: tt.deny}
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Errorf("error parsing url %q: %v", tt.url, err)
		}
		if got, want := s.allowed(u), tt.allowed; got != want {
			t.Errorf("allowed(%q) with allow %v, deny %v returned %v, want %v", tt.url, tt.allow, tt.deny, got, want)
		}
	}
}

func TestValidHost(t *testing.T) {
	hosts := []string{"a.test", "*.b.test", "*c.test"}

	tests := []struct {
		url   string
		valid bool
	}{
		{"http://a.test/image", true},
		{"http://x.a.test/image", false},

		{"http://b.test/image", true},
		{"http://x.b.test/image", true},
		{"http://x.y.b.test/image", true},
		{"http://xb.test/image", false},

		{"http://c.test/image", false},
		{"http://xc.test/image", false},
		{"/image", false},

		{"http://a.test:8080/image", true},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Errorf("error parsing url %q: %v", tt.url, err)
		}
		if got, want := validHost(hosts, u), tt.valid; got != want {
			t.Errorf("validHost(%v, %q) returned %v, want %v", hosts, u, got, want)
		}
	}
}

func TestShould304(t *testing.T) {
	tests := []struct {
		req, resp string
		is304     bool
	}{
		{ // etag match
			"GET / HTTP/1.1\nIf-None-Match: \"v\"\n\n",
			"HTTP/1.1 200 OK\nEtag: \"v\"\n\n",
			true,
		},
		{ // last-modified before
			"GET / HTTP/1.1\nIf-Modified-Since: Sun, 02 Jan 2000 00:00:00 GMT\n\n",
			"HTTP/1.1 200 OK\nLast-Modified: Sat, 01 Jan 2000 00:00:00 GMT\n\n",
			true,
		},
		{ // last-modified match
			"GET / HTTP/1.1\nIf-Modified-Since: Sat, 01 Jan 2000 00:00:00 GMT\n\n",
			"HTTP/1.1 200 OK\nLast-Modified: Sat, 01 Jan 2000 00:00:00 GMT\n\n",
			true,
		},

		// mismatches
		{
			"GET / HTTP/1.1\n\n",
			"HTTP/1.1 200 OK\n\n",
			false,
		},
		{
			"GET / HTTP/1.1\n\n",
			"HTTP/1.1 200 OK\nEtag: \"v\"\n\n",
			false,
		},
		{
			"GET / HTTP/1.1\nIf-None-Match: \"v\"\n\n",
			"HTTP/1.1 200 OK\n\n",
			false,
		},
		{
			"GET / HTTP/1.1\nIf-None-Match: \"a\"\n\n",
			"HTTP/1.1 200 OK\nEtag: \"b\"\n\n",
			false,
		},
		{
			"GET / HTTP/1.1\n\n",
			"HTTP/1.1 200 OK\nLast-Modified: Sat, 01 Jan 2000 00:00:00 GMT\n\n",
			false,
		},
		{
			"GET / HTTP/1.1\nIf-Modified-Since: Sun, 02 Jan 2000 00:00:00 GMT\n\n",
			"HTTP/1.1 200 OK\n\n",
			false,
		},
		{ // modified since
			"GET / HTTP/1.1\nIf-Modified-Since: Fri, 31 Dec 1999 00:00:00 GMT\n\n",
			"HTTP/1.1 200 OK\nLast-Modified: Sat, 01 Jan 2000 00:00:00 GMT\n\n",
			false,
		},
	}

	for _, tt := range tests {
		buf := bufio.NewReader(strings.NewReader(tt.req))
		req, err := http.ReadRequest(buf)
		if err != nil {
			t.Errorf("http.ReadRequest(%q) returned error: %v", tt.req, err)
		}

		buf = bufio.NewReader(strings.NewReader(tt.resp))
		resp, err := http.ReadResponse(buf, req)
		if err != nil {
			t.Errorf("http.ReadResponse(%q) returned error: %v", tt.resp, err)
		}

		if got, want := should304(req, resp.Header), tt.is304; got != want {
			t.Errorf("should304(%q, %q) returned: %v, want %v", tt.req, tt.resp, got, want)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&Error{Kind: KindNotFound}, http.StatusNotFound},
		{&Error{Kind: KindDecodeFailed}, http.StatusBadGateway},
		{&Error{Kind: KindFetchFailed}, http.StatusBadGateway},
		{&Error{Kind: KindFetchFailed, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&Error{Kind: KindCancelled}, http.StatusServiceUnavailable},
		{&Error{Kind: KindStorageFailed}, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, want := errorStatus(tt.err), tt.code; got != want {
			t.Errorf("errorStatus(%v) returned %d, want %d", tt.err, got, want)
		}
	}
}

// newTestServer returns a server whose fetcher serves a png, a
// non-image, and a fetch error on good.test.
func newTestServer(t *testing.T) (*Server, *fakeFetcher) {
	f := newFakeFetcher()
	f.set("http://good.test/png", pngBytes(t, 4, 4))
	f.set("http://good.test/plain", []byte("plain text, not an image"))
	f.errs["http://good.test/error"] = []error{errors.New("http protocol error")}
	s := &Server{
		Pipeline:   newTestPipeline(t, f),
		AllowHosts: []string{"good.test"},
	}
	return s, f
}

func TestServer_ServeHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		url  string // request URL
		code int    // expected response status code
	}{
		{"/favicon.ico", http.StatusOK},
		{"//foo", http.StatusBadRequest},                       // invalid request URL
		{"/x/ftp://good.test/png", http.StatusBadRequest},      // unsupported scheme
		{"/x/http://bad.test/png", http.StatusForbidden},       // disallowed host
		{"/x/http://good.test/error", http.StatusBadGateway},   // fetch error
		{"/x/http://good.test/missing", http.StatusNotFound},   // not found
		{"/100/http://good.test/plain", http.StatusBadGateway}, // non-image response
		{"/100/http://good.test/png", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		req, _ := http.NewRequest("GET", "http://localhost"+tt.url, nil)
		resp := httptest.NewRecorder()
		s.ServeHTTP(resp, req)

		if got, want := resp.Code, tt.code; got != want {
			t.Errorf("ServeHTTP(%v) returned status %d, want %d", req.URL, got, want)
		}
	}
}

func TestServer_ServeHTTP_headers(t *testing.T) {
	s, _ := newTestServer(t)

	req, _ := http.NewRequest("GET", "http://localhost/x/http://good.test/png", nil)
	req.Header.Set("X-Request-Id", "abc")
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)

	if got, want := resp.Code, http.StatusOK; got != want {
		t.Fatalf("ServeHTTP(%v) returned status %d, want %d", req.URL, got, want)
	}
	for header, want := range map[string]string{
		"Content-Type":   "image/png",
		"X-Image-Source": "network",
		"X-Request-Id":   "abc",
	} {
		if got := resp.Header().Get(header); got != want {
			t.Errorf("ServeHTTP(%v) returned %s header %q, want %q", req.URL, header, got, want)
		}
	}

	resp = httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	if got, want := resp.Header().Get("X-Image-Source"), "memory"; got != want {
		t.Errorf("second ServeHTTP(%v) returned X-Image-Source %q, want %q", req.URL, got, want)
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Errorf("ServeHTTP(%v) returned no X-Request-Id", req.URL)
	}
}

// test that 304 Not Modified responses are returned properly.
func TestServer_ServeHTTP_is304(t *testing.T) {
	s, _ := newTestServer(t)

	req, _ := http.NewRequest("GET", "http://localhost/x/http://good.test/png", nil)
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	etag := resp.Header().Get("Etag")
	if etag == "" {
		t.Fatalf("ServeHTTP(%v) returned no etag", req.URL)
	}

	req.Header.Add("If-None-Match", etag)
	resp = httptest.NewRecorder()
	s.ServeHTTP(resp, req)

	if got, want := resp.Code, http.StatusNotModified; got != want {
		t.Errorf("ServeHTTP(%v) returned status %d, want %d", req.URL, got, want)
	}
	if got, want := resp.Header().Get("Etag"), etag; got != want {
		t.Errorf("ServeHTTP(%v) returned etag header %v, want %v", req.URL, got, want)
	}
}

func TestServer_Delete(t *testing.T) {
	s, f := newTestServer(t)
	const u = "http://localhost/x/http://good.test/png"

	get, _ := http.NewRequest("GET", u, nil)
	s.ServeHTTP(httptest.NewRecorder(), get)

	del, _ := http.NewRequest("DELETE", u, nil)
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, del)
	if got, want := resp.Code, http.StatusNoContent; got != want {
		t.Errorf("ServeHTTP(DELETE %v) returned status %d, want %d", u, got, want)
	}

	resp = httptest.NewRecorder()
	s.ServeHTTP(resp, get)
	if got, want := resp.Header().Get("X-Image-Source"), "network"; got != want {
		t.Errorf("ServeHTTP after DELETE returned X-Image-Source %q, want %q", got, want)
	}
	if got, want := f.count("http://good.test/png"), 2; got != want {
		t.Errorf("fetch count = %d, want %d", got, want)
	}
}

func TestServer_Entries(t *testing.T) {
	s, _ := newTestServer(t)

	get, _ := http.NewRequest("GET", "http://localhost/0.5x/http://good.test/png", nil)
	s.ServeHTTP(httptest.NewRecorder(), get)

	req, _ := http.NewRequest("GET", "http://localhost/debug/entries", nil)
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	if got, want := resp.Code, http.StatusOK; got != want {
		t.Fatalf("ServeHTTP(%v) returned status %d, want %d", req.URL, got, want)
	}

	var body entriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("error decoding entries: %v", err)
	}
	ids := make(map[string]bool)
	for _, e := range body.Entries {
		ids[e.ID] = true
	}
	for _, id := range []string{"http://good.test/png", "http://good.test/png#0.5x0"} {
		if !ids[id] {
			t.Errorf("entries %v missing %q", body.Entries, id)
		}
	}
	if body.Stats.MemoryEntries != 2 {
		t.Errorf("stats reported %d memory entries, want 2", body.Stats.MemoryEntries)
	}
}

func TestServer_BadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	req, _ := http.NewRequest("POST", "http://localhost/x/http://good.test/png", nil)
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	if got, want := resp.Code, http.StatusMethodNotAllowed; got != want {
		t.Errorf("ServeHTTP(POST) returned status %d, want %d", got, want)
	}

	req, _ = http.NewRequest("GET", "http://localhost/x/http://good.test/png", nil)
	req.Header.Set("X-Priority", "urgent")
	resp = httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	if got, want := resp.Code, http.StatusBadRequest; got != want {
		t.Errorf("ServeHTTP with bad priority returned status %d, want %d", got, want)
	}
}
