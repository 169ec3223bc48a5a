// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

// default compression quality of encoded jpegs
const defaultJPEGQuality = 95

type jpegCodec struct{}

func (jpegCodec) Descriptor() Descriptor {
	return Descriptor{
		Format:      JPEG,
		MIMEType:    "image/jpeg",
		Progressive: true,
		CanEncode:   true,
	}
}

func (jpegCodec) Match(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte{0xFF, 0xD8, 0xFF})
}

func (jpegCodec) DecodeConfig(r io.Reader) (image.Config, error) {
	return jpeg.DecodeConfig(r)
}

func (jpegCodec) Decode(r io.Reader) (*Image, error) {
	m, err := jpeg.Decode(r)
	if err != nil {
		return nil, err
	}
	return NewImage(m, JPEG), nil
}

func (jpegCodec) Encode(w io.Writer, m *Image, opt EncodeOptions) error {
	quality := opt.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	return jpeg.Encode(w, m.First(), &jpeg.Options{Quality: quality})
}

// PartialMarker returns the number of complete scans of a progressive jpeg.
// Baseline jpegs always report zero.
func (jpegCodec) PartialMarker(data []byte) int {
	_, scans, progressive := jpegScans(data)
	if !progressive {
		return 0
	}
	return scans
}

// DecodePartial decodes the complete scans of a progressive jpeg.  The
// prefix is cut at the first marker after the last complete scan and
// terminated with an EOI marker, which the decoder treats as a valid image
// with lower fidelity.
func (jpegCodec) DecodePartial(data []byte) (*Image, error) {
	cut, scans, progressive := jpegScans(data)
	if !progressive || scans == 0 {
		return nil, fmt.Errorf("%w: no complete progressive scan", ErrDecode)
	}

	buf := make([]byte, cut, cut+2)
	copy(buf, data[:cut])
	buf = append(buf, 0xFF, 0xD9)

	m, err := jpeg.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return NewImage(m, JPEG), nil
}

// jpegScans walks the marker segments of a (possibly truncated) jpeg.  It
// returns the offset just past the last complete scan, the number of
// complete scans, and whether the image is progressive.
func jpegScans(data []byte) (cut, scans int, progressive bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, 0, false
	}

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return cut, scans, progressive
		}
		marker := data[i+1]
		switch {
		case marker == 0xFF: // fill byte
			i++
			continue
		case marker == 0xD9: // EOI
			return cut, scans, progressive
		case marker >= 0xD0 && marker <= 0xD7, marker == 0x01:
			i += 2
			continue
		case marker == 0xC2:
			progressive = true
		}

		next := i + 2 + (int(data[i+2])<<8 | int(data[i+3]))
		if marker != 0xDA {
			i = next
			continue
		}

		// entropy-coded data runs until a marker other than a stuffed
		// zero byte or a restart marker
		j := next
		for {
			if j+1 >= len(data) {
				return cut, scans, progressive
			}
			if data[j] == 0xFF {
				m := data[j+1]
				if m == 0x00 || (m >= 0xD0 && m <= 0xD7) {
					j += 2
					continue
				}
				if m != 0xFF {
					break
				}
			}
			j++
		}
		scans++
		cut = j
		i = j
	}
	return cut, scans, progressive
}
