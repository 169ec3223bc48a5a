// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"time"
)

type gifCodec struct{}

func (gifCodec) Descriptor() Descriptor {
	return Descriptor{
		Format:      GIF,
		MIMEType:    "image/gif",
		Progressive: true,
		Animated:    true,
		CanEncode:   true,
	}
}

func (gifCodec) Match(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("GIF87a")) || bytes.HasPrefix(prefix, []byte("GIF89a"))
}

func (gifCodec) DecodeConfig(r io.Reader) (image.Config, error) {
	return gif.DecodeConfig(r)
}

func (gifCodec) Decode(r io.Reader) (*Image, error) {
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, err
	}
	return fromGIF(g), nil
}

func (gifCodec) Encode(w io.Writer, m *Image, _ EncodeOptions) error {
	g := &gif.GIF{LoopCount: m.LoopCount}
	for _, f := range m.Frames {
		g.Image = append(g.Image, toPaletted(f.Image))
		g.Delay = append(g.Delay, int(f.Delay/(10*time.Millisecond)))
	}
	return gif.EncodeAll(w, g)
}

// PartialMarker returns the number of complete frames in data.
func (gifCodec) PartialMarker(data []byte) int {
	_, frames := gifFrames(data)
	return frames
}

// DecodePartial decodes the frames that have fully arrived.  The prefix is
// cut after the last complete image block and closed with a trailer.
func (gifCodec) DecodePartial(data []byte) (*Image, error) {
	cut, frames := gifFrames(data)
	if frames == 0 {
		return nil, fmt.Errorf("%w: no complete frame", ErrDecode)
	}

	buf := make([]byte, cut, cut+1)
	copy(buf, data[:cut])
	buf = append(buf, 0x3B)

	g, err := gif.DecodeAll(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return fromGIF(g), nil
}

// fromGIF composites each frame over the ones before it so that every frame
// in the result is a complete picture.
func fromGIF(g *gif.GIF) *Image {
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	m := &Image{
		Format:    GIF,
		LoopCount: g.LoopCount,
		Width:     w,
		Height:    h,
	}
	for i, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		snapshot := image.NewRGBA(canvas.Bounds())
		copy(snapshot.Pix, canvas.Pix)

		var delay time.Duration
		if i < len(g.Delay) {
			delay = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		}
		m.Frames = append(m.Frames, Frame{Image: snapshot, Delay: delay})
	}
	return m
}

func toPaletted(m image.Image) *image.Paletted {
	if p, ok := m.(*image.Paletted); ok {
		return p
	}
	b := m.Bounds()
	pm := image.NewPaletted(b, palette.Plan9)
	draw.FloydSteinberg.Draw(pm, b, m, b.Min)
	return pm
}

// gifFrames walks the blocks of a (possibly truncated) gif and returns the
// offset just past the last complete image block and the number of complete
// frames.
func gifFrames(data []byte) (cut, frames int) {
	if len(data) < 13 {
		return 0, 0
	}

	i := 13
	if flags := data[10]; flags&0x80 != 0 {
		i += 3 * (1 << ((flags & 0x07) + 1))
	}

	for i < len(data) {
		switch data[i] {
		case 0x21: // extension
			j, ok := skipSubBlocks(data, i+2)
			if !ok {
				return cut, frames
			}
			i = j
		case 0x2C: // image descriptor
			if i+10 > len(data) {
				return cut, frames
			}
			j := i + 10
			if flags := data[i+9]; flags&0x80 != 0 {
				j += 3 * (1 << ((flags & 0x07) + 1))
			}
			j++ // LZW minimum code size
			j, ok := skipSubBlocks(data, j)
			if !ok {
				return cut, frames
			}
			i = j
			frames++
			cut = i
		default: // trailer or garbage
			return cut, frames
		}
	}
	return cut, frames
}

func skipSubBlocks(data []byte, i int) (int, bool) {
	for {
		if i >= len(data) {
			return i, false
		}
		n := int(data[i])
		i++
		if n == 0 {
			return i, true
		}
		i += n
	}
}
