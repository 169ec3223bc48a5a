// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rwcarlsen/goexif/exif"
	"go.uber.org/zap"
	"willnorris.com/go/gifresize"
	"willnorris.com/go/imagepipeline/codec"
)

// maximum distance into image to look for EXIF tags
const maxExifSize = 1 << 20

// DefaultMaxPixels is the largest image, in pixels, that will be decoded
// for transformation.
const DefaultMaxPixels = 100_000_000

// resample filter used when resizing images
var resampleFilter = imaging.Lanczos

var smartcropAnalyzer = smartcrop.NewAnalyzer(nfnt.NewDefaultResizer())

// transformer applies Options to encoded images using a codec registry.
type transformer struct {
	registry  *codec.Registry
	maxPixels int
	logger    *zap.Logger
}

func defaultTransformer() transformer {
	return transformer{registry: codec.Default(), maxPixels: DefaultMaxPixels, logger: zap.NewNop()}
}

// Transform the provided image.  img should contain the raw bytes of an
// encoded image in one of the registered formats.  The bytes of a similarly
// encoded image is returned.
func Transform(img []byte, opt Options) ([]byte, error) {
	out, _, err := defaultTransformer().transform(img, opt)
	return out, err
}

// transform returns img transformed by opt and the format it is encoded in.
func (t transformer) transform(img []byte, opt Options) ([]byte, codec.Format, error) {
	format, w, h, err := t.registry.DecodeConfig(img)
	if err != nil {
		return nil, format, err
	}
	if !opt.transform() {
		// bail if no transformation was requested
		return img, format, nil
	}
	if t.maxPixels > 0 && w*h > t.maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d", codec.ErrTooLarge, w, h)
	}

	// encode webp and tiff as jpeg by default
	target := format
	if target == codec.TIFF || target == codec.WebP {
		target = codec.JPEG
	}
	if opt.Format != "" {
		target = codec.Format(opt.Format)
	}
	if c, ok := t.registry.Lookup(target); !ok || !c.Descriptor().CanEncode {
		return nil, target, fmt.Errorf("%w: %v", codec.ErrEncodeUnsupported, target)
	}

	buf := new(bytes.Buffer)
	if format == codec.GIF && target == codec.GIF {
		fn := func(img image.Image) image.Image {
			return t.transformImage(img, opt)
		}
		if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
			return nil, target, fmt.Errorf("%w: %v", codec.ErrDecode, err)
		}
		return buf.Bytes(), target, nil
	}

	m, err := t.registry.DecodeBytes(img)
	if err != nil {
		return nil, format, err
	}
	src := m.First()

	// apply EXIF orientation for jpeg and tiff source images. Read at most
	// up to maxExifSize looking for EXIF tags.
	if format == codec.JPEG || format == codec.TIFF {
		r := io.LimitReader(bytes.NewReader(img), maxExifSize)
		if exifOpt := exifOrientation(r); exifOpt.transform() {
			src = t.transformImage(src, exifOpt)
		}
	}

	out := codec.NewImage(t.transformImage(src, opt), target)
	if err := t.registry.Encode(buf, out, target, codec.EncodeOptions{Quality: opt.Quality}); err != nil {
		return nil, target, err
	}
	return buf.Bytes(), target, nil
}

// transformFrames applies opt to each frame of a decoded image.  EXIF
// orientation is not applied.
func (t transformer) transformFrames(m *codec.Image, opt Options) *codec.Image {
	if !opt.transform() || m.FrameCount() == 0 {
		return m
	}
	out := &codec.Image{Format: m.Format, LoopCount: m.LoopCount}
	for _, f := range m.Frames {
		out.Frames = append(out.Frames, codec.Frame{Image: t.transformImage(f.Image, opt), Delay: f.Delay})
	}
	b := out.Frames[0].Image.Bounds()
	out.Width, out.Height = b.Dx(), b.Dy()
	return out
}

// evaluateFloat interprets the option value f. If f is between 0 and 1, it is
// interpreted as a percentage of max, otherwise it is treated as an absolute
// value.  If f is less than 0, 0 is returned.
func evaluateFloat(f float64, max int) int {
	if 0 < f && f < 1 {
		return int(float64(max) * f)
	}
	if f < 0 {
		return 0
	}
	return int(f)
}

// resizeParams determines if the image needs to be resized, and if so, the
// dimensions to resize to.
func resizeParams(m image.Image, opt Options) (w, h int, resize bool) {
	// convert percentage width and height values to absolute values
	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()
	w = evaluateFloat(opt.Width, imgW)
	h = evaluateFloat(opt.Height, imgH)

	// never resize larger than the original image unless specifically allowed
	if !opt.ScaleUp {
		w = min(w, imgW)
		h = min(h, imgH)
	}

	// if requested width and height match the original, skip resizing
	if (w == imgW || w == 0) && (h == imgH || h == 0) {
		return 0, 0, false
	}

	return w, h, true
}

// cropParams calculates crop rectangle parameters to keep it in image bounds.
func (t transformer) cropParams(m image.Image, opt Options) image.Rectangle {
	if !opt.SmartCrop && opt.CropX == 0 && opt.CropY == 0 && opt.CropWidth == 0 && opt.CropHeight == 0 {
		return m.Bounds()
	}

	// width and height of image
	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()

	if opt.SmartCrop {
		w := evaluateFloat(opt.Width, imgW)
		h := evaluateFloat(opt.Height, imgH)
		r, err := smartcropAnalyzer.FindBestCrop(m, w, h)
		if err == nil {
			return r
		}
		t.logger.Warn("smartcrop failed", zap.Error(err))
	}

	// top left coordinate of crop
	x0 := evaluateFloat(math.Abs(opt.CropX), imgW)
	if opt.CropX < 0 {
		x0 = imgW - x0 // measure from right
	}
	y0 := evaluateFloat(math.Abs(opt.CropY), imgH)
	if opt.CropY < 0 {
		y0 = imgH - y0 // measure from bottom
	}

	// width and height of crop
	w := evaluateFloat(opt.CropWidth, imgW)
	if w == 0 {
		w = imgW
	}
	h := evaluateFloat(opt.CropHeight, imgH)
	if h == 0 {
		h = imgH
	}

	return image.Rect(x0, y0, min(x0+w, imgW), min(y0+h, imgH))
}

// read EXIF orientation tag from r and adjust opt to orient image correctly.
func exifOrientation(r io.Reader) (opt Options) {
	// Exif Orientation Tag values
	// http://sylvana.net/jpegcrop/exif_orientation.html
	const (
		topLeftSide     = 1
		topRightSide    = 2
		bottomRightSide = 3
		bottomLeftSide  = 4
		leftSideTop     = 5
		rightSideTop    = 6
		rightSideBottom = 7
		leftSideBottom  = 8
	)

	ex, err := exif.Decode(r)
	if err != nil {
		return opt
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return opt
	}
	orient, err := tag.Int(0)
	if err != nil {
		return opt
	}

	switch orient {
	case topLeftSide:
		// do nothing
	case topRightSide:
		opt.FlipHorizontal = true
	case bottomRightSide:
		opt.Rotate = 180
	case bottomLeftSide:
		opt.FlipVertical = true
	case leftSideTop:
		opt.Rotate = 90
		opt.FlipVertical = true
	case rightSideTop:
		opt.Rotate = -90
	case rightSideBottom:
		opt.Rotate = 90
		opt.FlipHorizontal = true
	case leftSideBottom:
		opt.Rotate = 90
	}
	return opt
}

// transformImage modifies the image m based on the transformations specified
// in opt.
func (t transformer) transformImage(m image.Image, opt Options) image.Image {
	timer := prometheus.NewTimer(metricTransformationDuration)
	defer timer.ObserveDuration()

	if opt.TrimBorder {
		m = trimEdges(m)
	}

	// Parse crop and resize parameters before applying any transforms.
	// This is to ensure that any percentage-based values are based off the
	// size of the original image.
	rect := t.cropParams(m, opt)
	w, h, resize := resizeParams(m, opt)

	// crop if needed
	if !m.Bounds().Eq(rect) {
		m = imaging.Crop(m, rect)
	}
	// resize if needed
	if resize {
		switch {
		case opt.Fit:
			m = imaging.Fit(m, w, h, resampleFilter)
		case w == 0 || h == 0:
			m = imaging.Resize(m, w, h, resampleFilter)
		default:
			m = imaging.Thumbnail(m, w, h, resampleFilter)
		}
	}

	// rotate
	rotate := float64(opt.Rotate) - math.Floor(float64(opt.Rotate)/360)*360
	switch rotate {
	case 90:
		m = imaging.Rotate90(m)
	case 180:
		m = imaging.Rotate180(m)
	case 270:
		m = imaging.Rotate270(m)
	}

	// flip
	if opt.FlipVertical {
		m = imaging.FlipV(m)
	}
	if opt.FlipHorizontal {
		m = imaging.FlipH(m)
	}

	return m
}

// trimEdges returns m with any solid border removed.  The border color is
// taken from the top left pixel.
func trimEdges(m image.Image) image.Image {
	b := m.Bounds()
	if b.Empty() {
		return m
	}
	border := color.NRGBAModel.Convert(m.At(b.Min.X, b.Min.Y))

	rowSolid := func(y int) bool {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.NRGBAModel.Convert(m.At(x, y)) != border {
				return false
			}
		}
		return true
	}
	colSolid := func(x, y0, y1 int) bool {
		for y := y0; y < y1; y++ {
			if color.NRGBAModel.Convert(m.At(x, y)) != border {
				return false
			}
		}
		return true
	}

	y0, y1 := b.Min.Y, b.Max.Y
	for y0 < y1 && rowSolid(y0) {
		y0++
	}
	if y0 == y1 {
		// solid image
		return m
	}
	for y1 > y0 && rowSolid(y1-1) {
		y1--
	}
	x0, x1 := b.Min.X, b.Max.X
	for x0 < x1 && colSolid(x0, y0, y1) {
		x0++
	}
	for x1 > x0 && colSolid(x1-1, y0, y1) {
		x1--
	}

	r := image.Rect(x0, y0, x1, y1)
	if r.Eq(b) {
		return m
	}
	return imaging.Crop(m, r)
}
