// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"willnorris.com/go/imagepipeline/codec"
	"willnorris.com/go/imagepipeline/scheduler"
)

// EventKind identifies the kind of an Event.
type EventKind int

// Event kinds.  EventSuccess and EventFailure are terminal.
const (
	EventProgress EventKind = iota + 1
	EventPartial
	EventSuccess
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventPartial:
		return "partial"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Source identifies where a result was served from.
type Source int

// Result sources.
const (
	SourceNetwork Source = iota
	SourceMemory
	SourceDisk
	SourceDerived
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceDerived:
		return "derived"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Result is a successfully loaded image.
type Result struct {
	Identifier string
	Data       []byte // encoded image
	Image      *codec.Image
	Format     codec.Format
	Source     Source
}

// Event is delivered to the observer of a request.
type Event struct {
	Kind EventKind

	// Progress is the fraction of the source bytes received, or -1 if the
	// total size is unknown.  Set for EventProgress.
	Progress float64

	// Received is the number of source bytes received so far.
	Received int64

	// Image is the partial image for EventPartial.
	Image *codec.Image

	// Result is set for EventSuccess.
	Result *Result

	// Err is set for EventFailure, and is always an *Error.
	Err error
}

func (e Event) terminal() bool {
	return e.Kind == EventSuccess || e.Kind == EventFailure
}

// Handle observes a single request.  Events are delivered in the order they
// were produced on the channel returned by Events, ending with exactly one
// terminal event.
type Handle struct {
	id          string
	identifier  string
	progressive bool
	priority    scheduler.Priority

	events chan Event
	wake   chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	queue    []Event
	finished bool   // terminal event queued, or cancelled
	final    *Event // terminal event, once received
	detach   func(*Handle)

	cancelOnce sync.Once
	stopCtx    func() bool
	timer      *time.Timer
}

func newHandle(identifier string, progressive bool, priority scheduler.Priority) *Handle {
	h := &Handle{
		id:          uuid.NewString(),
		identifier:  identifier,
		progressive: progressive,
		priority:    priority,
		events:      make(chan Event),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	go h.pump()
	return h
}

// ID returns a unique id for this handle.
func (h *Handle) ID() string { return h.id }

// Identifier returns the cache identifier of the requested image.
func (h *Handle) Identifier() string { return h.identifier }

// Events returns the channel on which events are delivered.  It is closed
// after the terminal event, or when the handle is cancelled.  Events are
// held by the handle until they are received, so a caller that stops
// receiving must call Cancel.
func (h *Handle) Events() <-chan Event { return h.events }

// deliver queues ev for delivery.  It reports false if the handle has
// already finished.
func (h *Handle) deliver(ev Event) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	if ev.terminal() {
		h.finished = true
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	if ev.terminal() {
		h.release()
	}
	return true
}

func (h *Handle) fail(err *Error) bool {
	return h.deliver(Event{Kind: EventFailure, Err: err})
}

// pump forwards queued events to the events channel.
func (h *Handle) pump() {
	defer close(h.events)
	for {
		select {
		case <-h.wake:
		case <-h.stop:
			return
		}
		for {
			h.mu.Lock()
			if len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			ev := h.queue[0]
			h.queue[0] = Event{}
			h.queue = h.queue[1:]
			h.mu.Unlock()

			select {
			case h.events <- ev:
			case <-h.stop:
				return
			}
			if ev.terminal() {
				h.mu.Lock()
				h.final = &ev
				h.mu.Unlock()
				return
			}
		}
	}
}

// Cancel detaches the handle from its request.  No further events are
// delivered and the events channel is closed.  The underlying operation is
// cancelled if no other handle observes it.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.finished = true
		h.queue = nil
		detach := h.detach
		h.detach = nil
		h.mu.Unlock()

		close(h.stop)
		h.release()
		if detach != nil {
			detach(h)
		}
	})
}

// expire fails the handle with a timeout and detaches it.
func (h *Handle) expire(timeout time.Duration) {
	err := &Error{
		Kind:       KindFetchFailed,
		Identifier: h.identifier,
		Err:        fmt.Errorf("request timed out after %v: %w", timeout, context.DeadlineExceeded),
	}
	if !h.fail(err) {
		return
	}
	h.mu.Lock()
	detach := h.detach
	h.detach = nil
	h.mu.Unlock()
	if detach != nil {
		detach(h)
	}
}

// watch arranges for h to be cancelled when ctx is done and to expire after
// timeout.
func (h *Handle) watch(ctx context.Context, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.stopCtx = context.AfterFunc(ctx, h.Cancel)
	if timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() { h.expire(timeout) })
	}
}

// release stops watching the request context and timer.
func (h *Handle) release() {
	h.mu.Lock()
	stopCtx, timer := h.stopCtx, h.timer
	h.stopCtx, h.timer = nil, nil
	h.mu.Unlock()
	if stopCtx != nil {
		stopCtx()
	}
	if timer != nil {
		timer.Stop()
	}
}

// Wait blocks until the request completes and returns its result.  Progress
// and partial events are discarded.  If the handle is cancelled, Wait
// returns an error matching ErrCancelled.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				h.mu.Lock()
				final := h.final
				h.mu.Unlock()
				if final != nil {
					return final.Result, resultErr(*final)
				}
				return nil, &Error{Kind: KindCancelled, Identifier: h.identifier}
			}
			if ev.terminal() {
				return ev.Result, resultErr(ev)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func resultErr(ev Event) error {
	if ev.Kind == EventFailure {
		return ev.Err
	}
	return nil
}
