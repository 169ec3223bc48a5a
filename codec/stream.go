// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
)

// chunkSize is the size of reads from the source of a streaming decode.
const chunkSize = 32 << 10

// EventKind identifies the kind of a decode Event.
type EventKind int

const (
	// EventPartial carries a lower fidelity image decoded from the bytes
	// received so far.
	EventPartial EventKind = iota + 1

	// EventComplete carries the fully decoded image and all encoded bytes.
	EventComplete

	// EventFailed carries the error that ended the decode.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is produced by a streaming decode.
type Event struct {
	Kind   EventKind
	Format Format
	Image  *Image

	// Data holds the complete encoded image on EventComplete.
	Data []byte

	Err error
}

// DecodeOptions control a streaming decode.
type DecodeOptions struct {
	// Progressive is consulted before each partial decode attempt.  Partial
	// images are only produced when it is non-nil and returns true.
	Progressive func() bool

	// MaxPixels rejects images whose header dimensions exceed it.  Zero
	// means no limit.
	MaxPixels int
}

func (o DecodeOptions) wantPartial() bool {
	return o.Progressive != nil && o.Progressive()
}

// Decode decodes src using the default registry.
func Decode(ctx context.Context, src io.Reader, opt DecodeOptions) iter.Seq[Event] {
	return Default().Decode(ctx, src, opt)
}

// Decode returns a sequence that reads src in chunks and decodes it.  The
// sequence yields zero or more EventPartial events followed by exactly one
// EventComplete or EventFailed.  It may be iterated only once; later
// iterations yield a single EventFailed with ErrConsumed.
//
// Errors returned by src other than io.EOF are reported unwrapped in the
// EventFailed event so callers can tell transport failures from decode
// failures.
func (r *Registry) Decode(ctx context.Context, src io.Reader, opt DecodeOptions) iter.Seq[Event] {
	var used atomic.Bool
	return func(yield func(Event) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(Event{Kind: EventFailed, Err: ErrConsumed})
			return
		}

		d := &streamDecoder{opt: opt}
		chunk := make([]byte, chunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(d.failed(err))
				return
			}

			n, err := src.Read(chunk)
			d.buf = append(d.buf, chunk[:n]...)
			if err != nil && !errors.Is(err, io.EOF) {
				yield(d.failed(err))
				return
			}
			eof := err != nil

			if d.codec == nil && (len(d.buf) >= SniffLen || (eof && len(d.buf) > 0)) {
				if d.codec = r.match(d.buf); d.codec == nil {
					yield(d.failed(ErrUnknownFormat))
					return
				}
			}

			if eof {
				break
			}
			if n == 0 || d.codec == nil || !opt.wantPartial() {
				continue
			}

			ev, ok := d.partial()
			if ok {
				if ev.Kind == EventFailed {
					yield(ev)
					return
				}
				if !yield(ev) {
					return
				}
			}
		}

		if len(d.buf) == 0 {
			yield(d.failed(fmt.Errorf("%w: empty image", ErrDecode)))
			return
		}

		m, err := safeDecode(d.codec, d.buf, opt.MaxPixels)
		if err != nil {
			yield(d.failed(err))
			return
		}
		yield(Event{
			Kind:   EventComplete,
			Format: d.format(),
			Image:  m,
			Data:   d.buf,
		})
	}
}

// streamDecoder holds the state of a single streaming decode.
type streamDecoder struct {
	opt   DecodeOptions
	buf   []byte
	codec Codec

	// number of decodable units last reported as a partial image
	marker int

	// set once the header has been read and checked against MaxPixels
	headerChecked bool
}

func (d *streamDecoder) format() Format {
	if d.codec == nil {
		return Unknown
	}
	return d.codec.Descriptor().Format
}

func (d *streamDecoder) failed(err error) Event {
	return Event{Kind: EventFailed, Format: d.format(), Err: err}
}

// partial attempts a partial decode of the buffered bytes.  ok is false if
// no new event should be produced.
func (d *streamDecoder) partial() (ev Event, ok bool) {
	pd, isPartial := d.codec.(PartialDecoder)
	if !isPartial || !d.codec.Descriptor().Progressive {
		return Event{}, false
	}

	if !d.headerChecked {
		cfg, err := d.codec.DecodeConfig(bytes.NewReader(d.buf))
		if err != nil {
			// header not complete yet
			return Event{}, false
		}
		if d.opt.MaxPixels > 0 && cfg.Width*cfg.Height > d.opt.MaxPixels {
			return d.failed(fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)), true
		}
		d.headerChecked = true
	}

	marker := pd.PartialMarker(d.buf)
	if marker <= d.marker {
		return Event{}, false
	}

	m, err := safePartial(pd, d.buf)
	if err != nil {
		// a prefix that fails to decode is not fatal; the complete image
		// decides the outcome
		return Event{}, false
	}
	d.marker = marker
	return Event{Kind: EventPartial, Format: d.format(), Image: m}, true
}

func safePartial(pd PartialDecoder, data []byte) (m *Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrDecode, p)
		}
	}()
	return pd.DecodePartial(data)
}
