// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range m.Pix {
		m.Pix[i] = byte(i)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, m))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func animatedGIF(t *testing.T, frames int) []byte {
	t.Helper()
	g := &gif.GIF{}
	for i := 0; i < frames; i++ {
		m := image.NewPaletted(image.Rect(0, 0, 8, 8), palette.Plan9)
		for j := range m.Pix {
			m.Pix[j] = uint8(i * 40)
		}
		g.Image = append(g.Image, m)
		g.Delay = append(g.Delay, 5)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func collect(seq func(func(Event) bool)) []Event {
	var events []Event
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func always() bool { return true }

func TestDetect(t *testing.T) {
	reg := Default()
	tests := []struct {
		name   string
		prefix []byte
		want   Format
	}{
		{"empty", nil, Unknown},
		{"garbage", []byte("not an image at all"), Unknown},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, JPEG},
		{"png", []byte("\x89PNG\r\n\x1a\n"), PNG},
		{"png trailing garbage", append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0xAB}, 100)...), PNG},
		{"gif87a", []byte("GIF87a"), GIF},
		{"gif89a", []byte("GIF89a"), GIF},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), WebP},
		{"riff not webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), Unknown},
		{"tiff little endian", []byte("II*\x00"), TIFF},
		{"tiff big endian", []byte("MM\x00*"), TIFF},
		{"bmp", []byte("BM\x00\x00"), BMP},
		{"magic beyond sniff length", append(bytes.Repeat([]byte{0}, SniffLen), 0xFF, 0xD8, 0xFF), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.Detect(tt.prefix))
		})
	}
}

type fakeCodec struct {
	format Format
	decode func(io.Reader) (*Image, error)
}

func (c fakeCodec) Descriptor() Descriptor { return Descriptor{Format: c.format} }
func (c fakeCodec) Match(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("FAKE"))
}
func (c fakeCodec) DecodeConfig(io.Reader) (image.Config, error) {
	return image.Config{Width: 1, Height: 1}, nil
}
func (c fakeCodec) Decode(r io.Reader) (*Image, error)             { return c.decode(r) }
func (c fakeCodec) Encode(io.Writer, *Image, EncodeOptions) error { return nil }

func TestRegisterReplacesInPlace(t *testing.T) {
	reg := NewRegistry(jpegCodec{}, pngCodec{}, gifCodec{})
	reg.Register(fakeCodec{format: PNG})

	var formats []Format
	for _, d := range reg.Descriptors() {
		formats = append(formats, d.Format)
	}
	assert.Equal(t, []Format{JPEG, PNG, GIF}, formats)

	// the replacement's matcher is now used for png
	assert.Equal(t, PNG, reg.Detect([]byte("FAKE")))
	assert.Equal(t, Unknown, reg.Detect([]byte("\x89PNG\r\n\x1a\n")))
}

func TestDecodeBytes(t *testing.T) {
	m, err := Default().DecodeBytes(pngBytes(t, 4, 3))
	require.NoError(t, err)
	assert.Equal(t, PNG, m.Format)
	assert.Equal(t, 4, m.Width)
	assert.Equal(t, 3, m.Height)
	assert.Equal(t, 1, m.FrameCount())
	assert.Equal(t, int64(4*3*4), m.Cost())

	_, err = Default().DecodeBytes([]byte("nope"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestDecodeRecoversPanics(t *testing.T) {
	reg := NewRegistry(fakeCodec{format: "fake", decode: func(io.Reader) (*Image, error) {
		panic("boom")
	}})
	_, err := reg.DecodeBytes([]byte("FAKE data"))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeStream(t *testing.T) {
	data := pngBytes(t, 16, 16)
	events := collect(Default().Decode(context.Background(), iotest.HalfReader(bytes.NewReader(data)), DecodeOptions{Progressive: always}))

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventComplete, ev.Kind)
	assert.Equal(t, PNG, ev.Format)
	assert.Equal(t, data, ev.Data)
	assert.Equal(t, 16, ev.Image.Width)
}

func TestDecodeSingleUse(t *testing.T) {
	seq := Default().Decode(context.Background(), bytes.NewReader(pngBytes(t, 2, 2)), DecodeOptions{})

	first := collect(seq)
	require.Len(t, first, 1)
	assert.Equal(t, EventComplete, first[0].Kind)

	second := collect(seq)
	require.Len(t, second, 1)
	assert.Equal(t, EventFailed, second[0].Kind)
	assert.ErrorIs(t, second[0].Err, ErrConsumed)
}

func TestDecodeFailures(t *testing.T) {
	data := pngBytes(t, 32, 32)
	tests := []struct {
		name string
		src  io.Reader
		opt  DecodeOptions
		want error
	}{
		{"empty", bytes.NewReader(nil), DecodeOptions{}, ErrDecode},
		{"unknown", bytes.NewReader(bytes.Repeat([]byte("x"), 100)), DecodeOptions{}, ErrUnknownFormat},
		{"short unknown", bytes.NewReader([]byte("xy")), DecodeOptions{}, ErrUnknownFormat},
		{"truncated", bytes.NewReader(data[:len(data)/2]), DecodeOptions{}, ErrDecode},
		{"too large", bytes.NewReader(data), DecodeOptions{MaxPixels: 100}, ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(Default().Decode(context.Background(), tt.src, tt.opt))
			require.Len(t, events, 1)
			assert.Equal(t, EventFailed, events[0].Kind)
			assert.ErrorIs(t, events[0].Err, tt.want)
		})
	}
}

func TestDecodeSourceError(t *testing.T) {
	errBroken := errors.New("connection reset")
	src := io.MultiReader(bytes.NewReader(jpegBytes(t, 8, 8)[:40]), iotest.ErrReader(errBroken))

	events := collect(Default().Decode(context.Background(), src, DecodeOptions{}))
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, errBroken)
	assert.NotErrorIs(t, events[0].Err, ErrDecode)
}

func TestDecodeContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collect(Default().Decode(ctx, bytes.NewReader(pngBytes(t, 2, 2)), DecodeOptions{}))
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, context.Canceled)
}

func TestDecodeAnimatedGIFPartials(t *testing.T) {
	data := animatedGIF(t, 3)
	events := collect(Default().Decode(context.Background(), iotest.OneByteReader(bytes.NewReader(data)), DecodeOptions{Progressive: always}))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, 3, last.Image.FrameCount())
	assert.Equal(t, 50*time.Millisecond, last.Image.Frames[0].Delay)

	var frames []int
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventPartial, ev.Kind)
		frames = append(frames, ev.Image.FrameCount())
	}
	assert.Equal(t, []int{1, 2, 3}, frames)
}

func TestDecodePartialsDisabled(t *testing.T) {
	data := animatedGIF(t, 3)
	calls := 0
	progressive := func() bool {
		calls++
		return false
	}
	events := collect(Default().Decode(context.Background(), iotest.OneByteReader(bytes.NewReader(data)), DecodeOptions{Progressive: progressive}))

	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Kind)
	assert.Positive(t, calls)
}

func TestDecodeStopEarly(t *testing.T) {
	data := animatedGIF(t, 3)
	seq := Default().Decode(context.Background(), iotest.OneByteReader(bytes.NewReader(data)), DecodeOptions{Progressive: always})

	n := 0
	for ev := range seq {
		assert.Equal(t, EventPartial, ev.Kind)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestJPEGScans(t *testing.T) {
	segment := func(marker byte, payload ...byte) []byte {
		n := len(payload) + 2
		return append([]byte{0xFF, marker, byte(n >> 8), byte(n)}, payload...)
	}

	var data []byte
	data = append(data, 0xFF, 0xD8)
	data = append(data, segment(0xE1, 0xFF, 0xDA, 0x00)...) // marker bytes inside APP1 are ignored
	data = append(data, segment(0xC2, 8, 0, 1, 0, 1, 1, 1, 0x11, 0)...)
	data = append(data, segment(0xDA, 1, 1, 0, 0, 0x3F, 0)...)
	data = append(data, 0x12, 0xFF, 0x00, 0x34, 0xFF, 0xD0, 0x56)
	firstCut := len(data)
	data = append(data, segment(0xC4, 0)...)
	data = append(data, segment(0xDA, 1, 1, 0, 0, 0x3F, 0)...)
	data = append(data, 0x78, 0x9A)

	cut, scans, progressive := jpegScans(data)
	assert.True(t, progressive)
	assert.Equal(t, 1, scans)
	assert.Equal(t, firstCut, cut)

	data = append(data, 0xFF, 0xD9)
	cut, scans, _ = jpegScans(data)
	assert.Equal(t, 2, scans)
	assert.Equal(t, len(data)-2, cut)

	// baseline images never report partial progress
	assert.Zero(t, jpegCodec{}.PartialMarker(jpegBytes(t, 16, 16)))
}

func TestGIFFrames(t *testing.T) {
	data := animatedGIF(t, 2)

	cut, frames := gifFrames(data)
	assert.Equal(t, 2, frames)
	assert.Equal(t, len(data)-1, cut, "cut should stop before the trailer")

	_, frames = gifFrames(data[:cut-1])
	assert.Equal(t, 1, frames)

	_, frames = gifFrames(data[:12])
	assert.Zero(t, frames)
}

func TestEncode(t *testing.T) {
	reg := Default()
	m, err := reg.DecodeBytes(pngBytes(t, 8, 8))
	require.NoError(t, err)

	for _, f := range []Format{JPEG, PNG, GIF, TIFF, BMP} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, reg.Encode(&buf, m, f, EncodeOptions{Quality: 80}))
			assert.Equal(t, f, reg.Detect(buf.Bytes()))
		})
	}

	err = reg.Encode(io.Discard, m, WebP, EncodeOptions{})
	assert.ErrorIs(t, err, ErrEncodeUnsupported)

	err = reg.Encode(io.Discard, &Image{}, PNG, EncodeOptions{})
	assert.Error(t, err)
}

func TestEncodeAnimatedGIF(t *testing.T) {
	reg := Default()
	m, err := reg.DecodeBytes(animatedGIF(t, 3))
	require.NoError(t, err)
	require.True(t, m.Animated())

	var buf bytes.Buffer
	require.NoError(t, reg.Encode(&buf, m, GIF, EncodeOptions{}))

	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	assert.Len(t, g.Image, 3)
	assert.Equal(t, []int{5, 5, 5}, g.Delay)
}

func TestToPaletted(t *testing.T) {
	m := image.NewRGBA(image.Rect(0, 0, 2, 2))
	m.Set(0, 0, color.RGBA{R: 255, A: 255})

	p := toPaletted(m)
	assert.Equal(t, m.Bounds(), p.Bounds())
	assert.Len(t, p.Palette, len(palette.Plan9))

	// already paletted images are used as is
	assert.Same(t, p, toPaletted(p))
}
