// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// SniffLen is the maximum number of leading bytes examined by Detect.
const SniffLen = 32

// Registry is an ordered set of codecs keyed by format.  It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs []Codec
}

// NewRegistry returns a registry containing the provided codecs, matched in
// the order given.
func NewRegistry(codecs ...Codec) *Registry {
	r := new(Registry)
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry of built-in codecs.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(
			jpegCodec{},
			pngCodec{},
			gifCodec{},
			webpCodec{},
			tiffCodec{},
			bmpCodec{},
		)
	})
	return defaultRegistry
}

// Register adds c to the registry.  If a codec for the same format is
// already registered, it is replaced in place and keeps its match priority.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := c.Descriptor().Format
	for i, existing := range r.codecs {
		if existing.Descriptor().Format == f {
			r.codecs[i] = c
			return
		}
	}
	r.codecs = append(r.codecs, c)
}

// Lookup returns the codec registered for format f.
func (r *Registry) Lookup(f Format) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.codecs {
		if c.Descriptor().Format == f {
			return c, true
		}
	}
	return nil, false
}

// Descriptors returns the descriptors of all registered codecs in match
// order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := make([]Descriptor, len(r.codecs))
	for i, c := range r.codecs {
		d[i] = c.Descriptor()
	}
	return d
}

// Detect returns the format of the image whose leading bytes are prefix.
// Only the first SniffLen bytes are examined.  Unknown is returned if no
// codec matches.
func (r *Registry) Detect(prefix []byte) Format {
	if c := r.match(prefix); c != nil {
		return c.Descriptor().Format
	}
	return Unknown
}

func (r *Registry) match(prefix []byte) Codec {
	if len(prefix) > SniffLen {
		prefix = prefix[:SniffLen]
	}
	if len(prefix) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.codecs {
		if c.Match(prefix) {
			return c
		}
	}
	return nil
}

// DecodeBytes decodes a complete encoded image.
func (r *Registry) DecodeBytes(data []byte) (*Image, error) {
	c := r.match(data)
	if c == nil {
		return nil, ErrUnknownFormat
	}
	return safeDecode(c, data, 0)
}

// DecodeConfig returns the format and dimensions of an encoded image
// without decoding its pixels.
func (r *Registry) DecodeConfig(data []byte) (Format, int, int, error) {
	c := r.match(data)
	if c == nil {
		return Unknown, 0, 0, ErrUnknownFormat
	}
	cfg, err := c.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return c.Descriptor().Format, 0, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return c.Descriptor().Format, cfg.Width, cfg.Height, nil
}

// Encode writes m to w in format f.
func (r *Registry) Encode(w io.Writer, m *Image, f Format, opt EncodeOptions) error {
	c, ok := r.Lookup(f)
	if !ok || !c.Descriptor().CanEncode {
		return fmt.Errorf("%w: %s", ErrEncodeUnsupported, f)
	}
	if m.FrameCount() == 0 {
		return fmt.Errorf("%w: image has no frames", ErrDecode)
	}
	return c.Encode(w, m, opt)
}

// safeDecode decodes data with c, converting panics and decoder errors into
// ErrDecode.  A positive maxPixels rejects images with more pixels than that.
func safeDecode(c Codec, data []byte, maxPixels int) (m *Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrDecode, p)
		}
	}()

	if maxPixels > 0 {
		cfg, err := c.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if cfg.Width*cfg.Height > maxPixels {
			return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
		}
	}

	m, err = c.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}
