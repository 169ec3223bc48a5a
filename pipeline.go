// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package imagepipeline loads, decodes, transforms, and caches images.
//
// Requests for the same image are coalesced into a single operation, which
// checks the memory and disk cache tiers before fetching and decoding the
// image.  Operations run on a priority scheduler with bounded concurrency.
// For typical use of a Pipeline behind an HTTP server, see
// cmd/imagepipeline/main.go.
package imagepipeline // import "willnorris.com/go/imagepipeline"

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"willnorris.com/go/imagepipeline/cache"
	"willnorris.com/go/imagepipeline/codec"
	"willnorris.com/go/imagepipeline/fetch"
	"willnorris.com/go/imagepipeline/scheduler"
)

// DefaultMaxConcurrent is the number of operations run at once when
// Config.MaxConcurrent is not set.
const DefaultMaxConcurrent = 8

const defaultRetryBackoff = 100 * time.Millisecond

// Config configures a Pipeline.  Cache and Fetcher are required.
type Config struct {
	Cache   *cache.Cache
	Fetcher fetch.Fetcher

	// Registry decodes and encodes images.  If nil, codec.Default() is used.
	Registry *codec.Registry

	// Scheduler runs operations.  If nil, the pipeline creates and owns a
	// scheduler running MaxConcurrent operations at once.
	Scheduler     *scheduler.Scheduler
	MaxConcurrent int

	// DefaultPriority is used for requests that do not specify one.
	DefaultPriority scheduler.Priority

	// MaxProgressiveRate limits the partial images, and separately the
	// progress events, produced by each operation per second.  Zero means
	// no limit.
	MaxProgressiveRate float64

	// FetchTimeout, if positive, bounds the fetch and decode of each
	// operation.
	FetchTimeout time.Duration

	// FetchRetries is the number of times a fetch that failed with a
	// retryable error is attempted again.  RetryBackoff is the initial
	// delay between attempts, which grows exponentially.
	FetchRetries int
	RetryBackoff time.Duration

	// MaxPixels is the largest image that will be decoded.  Zero selects
	// DefaultMaxPixels.
	MaxPixels int

	Logger *zap.Logger
}

// Pipeline serves image requests from cache or by fetching and decoding
// them.
type Pipeline struct {
	cfg          Config
	cache        *cache.Cache
	fetcher      fetch.Fetcher
	registry     *codec.Registry
	sched        *scheduler.Scheduler
	ownScheduler bool
	transformer  transformer
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[string]*operation
	closed   bool
}

// New returns a pipeline configured by cfg.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Cache == nil {
		return nil, errors.New("imagepipeline: no cache configured")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("imagepipeline: no fetcher configured")
	}
	if cfg.Registry == nil {
		cfg.Registry = codec.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = scheduler.Normal
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pipeline{
		cfg:      cfg,
		cache:    cfg.Cache,
		fetcher:  cfg.Fetcher,
		registry: cfg.Registry,
		sched:    cfg.Scheduler,
		logger:   cfg.Logger,
		inflight: make(map[string]*operation),
	}
	p.transformer = transformer{registry: cfg.Registry, maxPixels: cfg.MaxPixels, logger: cfg.Logger}
	if p.sched == nil {
		p.sched = scheduler.New(cfg.MaxConcurrent)
		p.ownScheduler = true
	}
	return p, nil
}

// Cache returns the cache the pipeline stores images in.
func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// Registry returns the codec registry used to decode and encode images.
func (p *Pipeline) Registry() *codec.Registry { return p.registry }

// Fetch starts loading the image described by req and returns a handle
// that observes it.  Fetch does not block.  A decoded image held in the
// memory tier is delivered at once; anything else is loaded by the
// scheduler.  If an operation for the same identifier is already in flight,
// the request is attached to it.  The request is cancelled when ctx is done.
//
// The caller must receive from h.Events until it is closed, or call
// h.Wait or h.Cancel.  Otherwise the handle's events are never released.
func (p *Pipeline) Fetch(ctx context.Context, req Request) *Handle {
	priority := req.Priority
	if priority <= 0 {
		priority = p.cfg.DefaultPriority
	}
	if req.URL == nil || !req.URL.IsAbs() {
		h := newHandle("", req.Progressive, priority)
		h.fail(&Error{Kind: KindFetchFailed, Err: errors.New("request URL must be absolute")})
		return h
	}

	id := req.Identifier()
	h := newHandle(id, req.Progressive, priority)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.fail(&Error{Kind: KindCancelled, Identifier: id, Err: scheduler.ErrClosed})
		return h
	}
	if res, ok := p.lookupMemory(id); ok {
		p.mu.Unlock()
		p.logger.Debug("served from memory", zap.String("id", id), zap.String("handle", h.id))
		h.deliver(Event{Kind: EventSuccess, Result: res})
		return h
	}
	if op, ok := p.inflight[id]; ok && op.attach(h) {
		p.mu.Unlock()
		metricCoalesced.Inc()
		p.logger.Debug("attached to operation in flight", zap.String("id", id), zap.String("handle", h.id))
		h.watch(ctx, req.Timeout)
		return h
	}
	op := newOperation(p, id, req, priority)
	op.attach(h)
	p.inflight[id] = op
	p.mu.Unlock()

	p.logger.Debug("starting operation",
		zap.String("id", id),
		zap.String("handle", h.id),
		zap.Stringer("priority", priority))
	op.submit(priority)

	h.watch(ctx, req.Timeout)
	return h
}

// Close cancels every operation in flight.  Their observers receive an
// error matching ErrCancelled.  A scheduler created by the pipeline is
// closed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var tasks []*scheduler.Task
	for _, op := range p.inflight {
		op.mu.Lock()
		if op.task != nil {
			tasks = append(tasks, op.task)
		}
		op.mu.Unlock()
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	if p.ownScheduler {
		p.sched.Close()
	}
	return nil
}

// lookupMemory returns the decoded image for id if the memory tier holds
// it.  Entries kept only in encoded form are left to lookup.
func (p *Pipeline) lookupMemory(id string) (*Result, bool) {
	e, ok := p.cache.LookupMemory(id)
	if !ok || e.Image == nil {
		return nil, false
	}
	metricServedFromCache.WithLabelValues(cache.TierMemory.String()).Inc()
	return &Result{Identifier: id, Data: e.Data, Image: e.Image, Format: e.Format, Source: SourceMemory}, true
}

// lookup returns the cached image for id, decoding and re-storing it in
// the memory tier if it is only held in encoded form.
func (p *Pipeline) lookup(id string) (*Result, bool) {
	e, tier, ok := p.cache.Lookup(id)
	if !ok {
		return nil, false
	}

	m := e.Image
	if m == nil {
		var err error
		m, err = p.registry.DecodeBytes(e.Data)
		if err != nil {
			p.logger.Warn("purging undecodable cache entry", zap.String("id", id), zap.Error(err))
			p.cache.Invalidate(id)
			return nil, false
		}
		decoded := *e
		decoded.Image = m
		p.cache.Store(&decoded, cache.PlaceMemory)
	}

	metricServedFromCache.WithLabelValues(tier.String()).Inc()
	source := SourceMemory
	if tier == cache.TierDisk {
		source = SourceDisk
	}
	return &Result{Identifier: id, Data: e.Data, Image: m, Format: e.Format, Source: source}, true
}

// operation is a single fetch and decode shared by every request for the
// same identifier.
type operation struct {
	p        *Pipeline
	id       string
	req      Request
	progress *rate.Limiter
	partials *rate.Limiter

	mu        sync.Mutex
	observers []*Handle
	priority  scheduler.Priority
	task      *scheduler.Task
	cancelled bool // last observer left before the store began
	storing   bool
	done      bool
	result    *Result
}

func newOperation(p *Pipeline, id string, req Request, priority scheduler.Priority) *operation {
	limit := rate.Inf
	if p.cfg.MaxProgressiveRate > 0 {
		limit = rate.Limit(p.cfg.MaxProgressiveRate)
	}
	return &operation{
		p:        p,
		id:       id,
		req:      req,
		priority: priority,
		progress: rate.NewLimiter(limit, 1),
		partials: rate.NewLimiter(limit, 1),
	}
}

// attach adds h as an observer.  It reports false if the operation can no
// longer accept observers.  The caller holds p.mu.
func (op *operation) attach(h *Handle) bool {
	h.mu.Lock()
	h.detach = op.detach
	h.mu.Unlock()

	op.mu.Lock()
	if op.done || op.cancelled {
		op.mu.Unlock()
		return false
	}
	op.observers = append(op.observers, h)
	raise := h.priority > op.priority
	if raise {
		op.priority = h.priority
	}
	task := op.task
	op.mu.Unlock()

	if raise && task != nil {
		task.SetPriority(h.priority)
	}
	return true
}

// detach removes h.  The operation is cancelled if h was its last observer
// and the store has not begun.
func (op *operation) detach(h *Handle) {
	p := op.p
	p.mu.Lock()
	op.mu.Lock()
	op.observers = slices.DeleteFunc(op.observers, func(o *Handle) bool { return o == h })
	var task *scheduler.Task
	if len(op.observers) == 0 && !op.done && !op.storing && !op.cancelled {
		op.cancelled = true
		task = op.task
		if p.inflight[op.id] == op {
			delete(p.inflight, op.id)
		}
	}
	op.mu.Unlock()
	p.mu.Unlock()

	if task != nil {
		p.logger.Debug("cancelling operation", zap.String("id", op.id))
		task.Cancel()
	}
}

func (op *operation) snapshot() []*Handle {
	op.mu.Lock()
	defer op.mu.Unlock()
	return slices.Clone(op.observers)
}

func (op *operation) wantsPartial() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, h := range op.observers {
		if h.progressive {
			return true
		}
	}
	return false
}

// beginStore marks the start of the store step, after which the operation
// can no longer be cancelled.
func (op *operation) beginStore(ctx context.Context) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.cancelled || ctx.Err() != nil {
		return false
	}
	op.storing = true
	return true
}

// submit hands op to the scheduler at priority.  Observers may attach or
// leave while it is being submitted, so the task is re-prioritized or
// cancelled to catch up with them.
func (op *operation) submit(priority scheduler.Priority) *scheduler.Task {
	p := op.p
	metricInflight.Inc()
	task := p.sched.Submit(priority, op.run, op.complete)

	op.mu.Lock()
	op.task = task
	cancelled := op.cancelled
	raised := op.priority
	op.mu.Unlock()
	if raised > priority {
		task.SetPriority(raised)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if cancelled || closed {
		task.Cancel()
	}
	return task
}

// run is the scheduler work for op.
func (op *operation) run(ctx context.Context) error {
	if t := op.p.cfg.FetchTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res, err := op.load(ctx)
	if err != nil {
		return err
	}
	op.mu.Lock()
	op.result = res
	op.mu.Unlock()
	return nil
}

// complete delivers the outcome of op to every observer.  It is called
// exactly once, by the scheduler.
func (op *operation) complete(err error) {
	p := op.p
	p.mu.Lock()
	if p.inflight[op.id] == op {
		delete(p.inflight, op.id)
	}
	op.mu.Lock()
	op.done = true
	observers := op.observers
	op.observers = nil
	res := op.result
	op.result = nil
	op.mu.Unlock()
	p.mu.Unlock()
	metricInflight.Dec()

	ev := Event{Kind: EventSuccess, Result: res}
	if err != nil {
		perr := classify(op.id, err)
		ev = Event{Kind: EventFailure, Err: perr}
		if perr.Kind != KindCancelled {
			p.logger.Warn("operation failed",
				zap.String("id", op.id),
				zap.Stringer("kind", perr.Kind),
				zap.Error(err))
		}
	}
	for _, h := range observers {
		h.deliver(ev)
	}
}

func (op *operation) load(ctx context.Context) (*Result, error) {
	p := op.p
	if res, ok := p.lookup(op.id); ok {
		return res, nil
	}

	if op.req.Options.transform() {
		if res, ok := op.derive(ctx); ok {
			return res, nil
		}
	}

	data, src, err := op.fetchAndDecode(ctx)
	if err != nil {
		return nil, err
	}
	return op.store(ctx, data, src, SourceNetwork)
}

// derive produces the target from the cached source image, if there is one.
func (op *operation) derive(ctx context.Context) (*Result, bool) {
	p := op.p
	srcID := op.req.SourceIdentifier()
	e, _, ok := p.cache.Lookup(srcID)
	if !ok {
		return nil, false
	}
	res, err := op.store(ctx, e.Data, e.Image, SourceDerived)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("deriving from cached source", zap.String("id", op.id), zap.Error(err))
		}
		return nil, false
	}
	return res, true
}

func (op *operation) fetchAndDecode(ctx context.Context) ([]byte, *codec.Image, error) {
	p := op.p
	rawURL := op.req.URL.String()

	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(p.cfg.RetryBackoff))
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.FetchRetries)), ctx)
	stream, err := backoff.RetryWithData(func() (*fetch.Stream, error) {
		metricNetworkFetches.Inc()
		s, err := p.fetcher.Fetch(ctx, rawURL)
		if err != nil && !fetch.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	}, policy)
	if err != nil {
		metricFetchErrors.Inc()
		return nil, nil, err
	}
	defer stream.Body.Close()

	p.logger.Debug("fetched",
		zap.String("id", op.id),
		zap.Int64("bytes", stream.Size),
		zap.Bool("cached", stream.FromCache))

	body := &progressReader{r: stream.Body, total: stream.Size, report: op.reportProgress}
	opt := codec.DecodeOptions{Progressive: op.wantsPartial, MaxPixels: p.cfg.MaxPixels}

	var final codec.Event
	for ev := range p.registry.Decode(ctx, body, opt) {
		switch ev.Kind {
		case codec.EventPartial:
			op.reportPartial(ev.Image)
		case codec.EventComplete, codec.EventFailed:
			final = ev
		}
	}

	switch final.Kind {
	case codec.EventComplete:
		return final.Data, final.Image, nil
	case codec.EventFailed:
		if errors.Is(final.Err, codec.ErrDecode) || errors.Is(final.Err, codec.ErrUnknownFormat) || errors.Is(final.Err, codec.ErrTooLarge) {
			metricDecodeFailures.Inc()
		}
		return nil, nil, final.Err
	}
	return nil, nil, codec.ErrDecode
}

func (op *operation) reportProgress(received, total int64) {
	if received != total && !op.progress.Allow() {
		return
	}
	fraction := float64(-1)
	if total > 0 {
		fraction = float64(received) / float64(total)
	}
	ev := Event{Kind: EventProgress, Progress: fraction, Received: received}
	for _, h := range op.snapshot() {
		h.deliver(ev)
	}
}

func (op *operation) reportPartial(m *codec.Image) {
	if !op.partials.Allow() {
		return
	}
	var ev *Event
	for _, h := range op.snapshot() {
		if !h.progressive {
			continue
		}
		if ev == nil {
			ev = &Event{Kind: EventPartial, Image: op.p.transformer.transformFrames(m, op.req.Options)}
		}
		h.deliver(*ev)
	}
}

// store transforms the source image into the requested target and saves
// both in the cache.
func (op *operation) store(ctx context.Context, data []byte, src *codec.Image, source Source) (*Result, error) {
	p := op.p
	opt := op.req.Options

	target := data
	m := src
	if opt.transform() {
		var err error
		target, _, err = p.transformer.transform(data, opt)
		if err != nil {
			metricDecodeFailures.Inc()
			return nil, err
		}
		m = nil
	}
	if m == nil {
		var err error
		m, err = p.registry.DecodeBytes(target)
		if err != nil {
			return nil, err
		}
	}

	if !op.beginStore(ctx) {
		return nil, scheduler.ErrCancelled
	}

	p.cache.Store(&cache.Entry{
		ID:     op.id,
		Data:   target,
		Image:  m,
		Format: m.Format,
		Width:  m.Width,
		Height: m.Height,
		Frames: m.FrameCount(),
	}, cache.PlaceDefault)

	if source == SourceNetwork && opt.transform() && src != nil {
		p.cache.Store(&cache.Entry{
			ID:     op.req.SourceIdentifier(),
			Data:   data,
			Format: src.Format,
			Width:  src.Width,
			Height: src.Height,
			Frames: src.FrameCount(),
		}, cache.PlaceDefault)
	}
	recordTierSizes(p.cache)

	p.logger.Info("stored",
		zap.String("id", op.id),
		zap.Stringer("source", source),
		zap.Stringer("format", m.Format),
		zap.Int("bytes", len(target)))

	return &Result{Identifier: op.id, Data: target, Image: m, Format: m.Format, Source: source}, nil
}

// progressReader reports the number of bytes read through it.
type progressReader struct {
	r      io.Reader
	total  int64
	n      int64
	report func(received, total int64)
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.n += int64(n)
		r.report(r.n, r.total)
	}
	return n, err
}
