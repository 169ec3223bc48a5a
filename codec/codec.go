// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

// Package codec provides format detection and streaming decode and encode of
// images.  Codecs are registered with a Registry and selected at runtime by
// sniffing the leading bytes of the encoded image.
package codec

import (
	"errors"
	"image"
	"io"
	"time"
)

// Format identifies an image encoding.
type Format string

// Formats supported by the built-in codecs.
const (
	Unknown Format = ""
	JPEG    Format = "jpeg"
	PNG     Format = "png"
	GIF     Format = "gif"
	WebP    Format = "webp"
	TIFF    Format = "tiff"
	BMP     Format = "bmp"
)

func (f Format) String() string {
	if f == Unknown {
		return "unknown"
	}
	return string(f)
}

var (
	// ErrUnknownFormat is returned when no registered codec matches the
	// leading bytes of an image.
	ErrUnknownFormat = errors.New("codec: unknown image format")

	// ErrDecode is returned when image data is truncated or malformed.
	ErrDecode = errors.New("codec: decode failed")

	// ErrEncodeUnsupported is returned when encoding to a format that has
	// no encoder.
	ErrEncodeUnsupported = errors.New("codec: encoding not supported")

	// ErrConsumed is returned when a decode sequence is iterated more
	// than once.
	ErrConsumed = errors.New("codec: decode sequence already consumed")

	// ErrTooLarge is returned when image dimensions exceed the configured
	// pixel limit.
	ErrTooLarge = errors.New("codec: image too large")
)

// Descriptor describes the capabilities of a codec.
type Descriptor struct {
	Format   Format
	MIMEType string

	// Progressive reports whether partial images can be produced before
	// all bytes have arrived.
	Progressive bool

	// Animated reports whether the format can carry multiple frames.
	Animated bool

	CanEncode bool
}

// Codec decodes and encodes a single image format.
type Codec interface {
	Descriptor() Descriptor

	// Match reports whether prefix looks like the start of an image in
	// this codec's format.  prefix is at most SniffLen bytes long.
	Match(prefix []byte) bool

	DecodeConfig(r io.Reader) (image.Config, error)
	Decode(r io.Reader) (*Image, error)
	Encode(w io.Writer, m *Image, opt EncodeOptions) error
}

// A PartialDecoder produces an image from an incomplete prefix of encoded
// data.
type PartialDecoder interface {
	// PartialMarker returns a count that increases as more of the image
	// becomes decodable from data (complete scans, complete frames).  Zero
	// means nothing can be decoded yet.  It does not decode pixels.
	PartialMarker(data []byte) int

	// DecodePartial decodes as much of data as PartialMarker reported.
	DecodePartial(data []byte) (*Image, error)
}

// EncodeOptions control encoding.
type EncodeOptions struct {
	// Quality for lossy formats, 1-100.  Zero selects the codec default.
	Quality int
}

// Frame is a single frame of an image.  Delay is zero for still images.
type Frame struct {
	Image image.Image
	Delay time.Duration
}

// Image is a decoded image with one or more frames.
type Image struct {
	Format    Format
	Frames    []Frame
	LoopCount int
	Width     int
	Height    int
}

// NewImage returns a single frame Image wrapping m.
func NewImage(m image.Image, f Format) *Image {
	b := m.Bounds()
	return &Image{
		Format: f,
		Frames: []Frame{{Image: m}},
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

// FrameCount returns the number of frames; still images report 1.
func (m *Image) FrameCount() int {
	if m == nil {
		return 0
	}
	return len(m.Frames)
}

// Animated reports whether the image has more than one frame.
func (m *Image) Animated() bool {
	return m.FrameCount() > 1
}

// First returns the first frame, or nil if there are no frames.
func (m *Image) First() image.Image {
	if m.FrameCount() == 0 {
		return nil
	}
	return m.Frames[0].Image
}

// Cost estimates the memory held by the decoded pixels, in bytes.
func (m *Image) Cost() int64 {
	if m == nil {
		return 0
	}
	return int64(m.Width) * int64(m.Height) * 4 * int64(len(m.Frames))
}
