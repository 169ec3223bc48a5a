// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

type pngCodec struct{}

func (pngCodec) Descriptor() Descriptor {
	return Descriptor{Format: PNG, MIMEType: "image/png", CanEncode: true}
}

func (pngCodec) Match(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("\x89PNG\r\n\x1a\n"))
}

func (pngCodec) DecodeConfig(r io.Reader) (image.Config, error) { return png.DecodeConfig(r) }

func (pngCodec) Decode(r io.Reader) (*Image, error) {
	m, err := png.Decode(r)
	if err != nil {
		return nil, err
	}
	return NewImage(m, PNG), nil
}

func (pngCodec) Encode(w io.Writer, m *Image, _ EncodeOptions) error {
	return png.Encode(w, m.First())
}

type webpCodec struct{}

func (webpCodec) Descriptor() Descriptor {
	return Descriptor{Format: WebP, MIMEType: "image/webp"}
}

func (webpCodec) Match(prefix []byte) bool {
	return len(prefix) >= 12 &&
		bytes.Equal(prefix[0:4], []byte("RIFF")) &&
		bytes.Equal(prefix[8:12], []byte("WEBP"))
}

func (webpCodec) DecodeConfig(r io.Reader) (image.Config, error) { return webp.DecodeConfig(r) }

func (webpCodec) Decode(r io.Reader) (*Image, error) {
	m, err := webp.Decode(r)
	if err != nil {
		return nil, err
	}
	return NewImage(m, WebP), nil
}

func (webpCodec) Encode(io.Writer, *Image, EncodeOptions) error {
	return ErrEncodeUnsupported
}

type tiffCodec struct{}

func (tiffCodec) Descriptor() Descriptor {
	return Descriptor{Format: TIFF, MIMEType: "image/tiff", CanEncode: true}
}

func (tiffCodec) Match(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("II*\x00")) || bytes.HasPrefix(prefix, []byte("MM\x00*"))
}

func (tiffCodec) DecodeConfig(r io.Reader) (image.Config, error) { return tiff.DecodeConfig(r) }

func (tiffCodec) Decode(r io.Reader) (*Image, error) {
	m, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}
	return NewImage(m, TIFF), nil
}

func (tiffCodec) Encode(w io.Writer, m *Image, _ EncodeOptions) error {
	return tiff.Encode(w, m.First(), &tiff.Options{Compression: tiff.Deflate})
}

type bmpCodec struct{}

func (bmpCodec) Descriptor() Descriptor {
	return Descriptor{Format: BMP, MIMEType: "image/bmp", CanEncode: true}
}

func (bmpCodec) Match(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("BM"))
}

func (bmpCodec) DecodeConfig(r io.Reader) (image.Config, error) { return bmp.DecodeConfig(r) }

func (bmpCodec) Decode(r io.Reader) (*Image, error) {
	m, err := bmp.Decode(r)
	if err != nil {
		return nil, err
	}
	return NewImage(m, BMP), nil
}

func (bmpCodec) Encode(w io.Writer, m *Image, _ EncodeOptions) error {
	return bmp.Encode(w, m.First())
}
