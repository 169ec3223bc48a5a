// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"willnorris.com/go/imagepipeline/scheduler"
)

const (
	optFit             = "fit"
	optFlipVertical    = "fv"
	optFlipHorizontal  = "fh"
	optFormatJPEG      = "jpeg"
	optFormatPNG       = "png"
	optFormatGIF       = "gif"
	optFormatTIFF      = "tiff"
	optFormatBMP       = "bmp"
	optRotatePrefix    = "r"
	optQualityPrefix   = "q"
	optSmartCrop       = "sc"
	optScaleUp         = "scaleUp"
	optTrim            = "trim"
	optCropX           = "cx"
	optCropY           = "cy"
	optCropWidth       = "cw"
	optCropHeight      = "ch"
	optSizeDelimiter   = "x"
	optionsSeparator   = ","
	identifierFragment = "#"
)

// URLError reports a malformed URL error.
type URLError struct {
	Message string
	URL     *url.URL
}

func (e URLError) Error() string {
	return fmt.Sprintf("malformed URL %q: %s", e.URL, e.Message)
}

// Options specifies transformations to be performed on the requested image.
type Options struct {
	// See ParseOptions for interpretation of Width and Height values
	Width  float64
	Height float64

	// If true, resize the image to fit in the specified dimensions.  Image
	// will not be cropped, and aspect ratio will be maintained.
	Fit bool

	// Rotate image the specified degrees counter-clockwise.  Valid values
	// are 90, 180, 270.
	Rotate int

	FlipVertical   bool
	FlipHorizontal bool

	// Quality of output image
	Quality int

	// Desired image format.  Valid values are "bmp", "gif", "jpeg", "png",
	// and "tiff".
	Format string

	// Crop rectangle params
	CropX      float64
	CropY      float64
	CropWidth  float64
	CropHeight float64

	// Automatically find good crop points based on image content.
	SmartCrop bool

	// If true, allow image to scale beyond its original dimensions.
	ScaleUp bool

	// Trim uniform borders from the image before other transforms.
	TrimBorder bool
}

func (o Options) String() string {
	opts := []string{fmt.Sprintf("%v%s%v", o.Width, optSizeDelimiter, o.Height)}
	if o.Fit {
		opts = append(opts, optFit)
	}
	if o.Rotate != 0 {
		opts = append(opts, fmt.Sprintf("%s%d", optRotatePrefix, o.Rotate))
	}
	if o.FlipVertical {
		opts = append(opts, optFlipVertical)
	}
	if o.FlipHorizontal {
		opts = append(opts, optFlipHorizontal)
	}
	if o.Quality != 0 {
		opts = append(opts, fmt.Sprintf("%s%d", optQualityPrefix, o.Quality))
	}
	if o.Format != "" {
		opts = append(opts, o.Format)
	}
	if o.CropX != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropX, o.CropX))
	}
	if o.CropY != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropY, o.CropY))
	}
	if o.CropWidth != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropWidth, o.CropWidth))
	}
	if o.CropHeight != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropHeight, o.CropHeight))
	}
	if o.SmartCrop {
		opts = append(opts, optSmartCrop)
	}
	if o.ScaleUp {
		opts = append(opts, optScaleUp)
	}
	if o.TrimBorder {
		opts = append(opts, optTrim)
	}
	sort.Strings(opts[1:])
	return strings.Join(opts, optionsSeparator)
}

// transform returns whether o includes transformation options.  Some fields
// of Options, like ScaleUp, only modify other transformations and do not
// change the image on their own.
func (o Options) transform() bool {
	return o.Width != 0 || o.Height != 0 || o.Rotate != 0 || o.FlipHorizontal || o.FlipVertical ||
		o.Quality != 0 || o.Format != "" || o.CropX != 0 || o.CropY != 0 || o.CropWidth != 0 ||
		o.CropHeight != 0 || o.SmartCrop || o.TrimBorder
}

// ParseOptions parses str as a list of comma separated transformation
// options.  The options can be specified in any order.
//
// # Size and Cropping
//
// The size option takes the general form "{width}x{height}", where width and
// height are numbers.  Integer values greater than 1 are interpreted as exact
// pixel values.  Floats between 0 and 1 are interpreted as percentages of the
// original image size.  If either value is omitted or set to 0, it will be
// automatically set to preserve the aspect ratio based on the other dimension.
// If a single number is provided (with no "x" separator), it will be used for
// both height and width.
//
// Depending on the size options specified, an image may be cropped to fit the
// requested size.  In all cases, the original aspect ratio of the image will
// be preserved; the pipeline will never stretch the original image.
//
// When no explicit crop mode is specified, the following rules are followed:
//
// - If both width and height values are specified, the image will be scaled
// to fill the space, cropping if necessary to fit the exact dimension.
//
// - If only one of the width or height values is specified, the image will be
// resized to fit the specified dimension, scaling the other dimension as
// needed to maintain the aspect ratio.
//
// If the "fit" option is specified together with a width and height value,
// the image will be resized to fit within a containing box of the specified
// size.  As always, the original aspect ratio will be preserved.  Specifying
// the "fit" option with only one of either width or height does the same
// thing as if "fit" had not been specified.
//
// # Rotation and Flips
//
// The "r{degrees}" option will rotate the image the specified number of
// degrees, counter-clockwise.  Valid degrees values are 90, 180, and 270.
//
// The "fv" option will flip the image vertically.  The "fh" option will flip
// the image horizontally.  Images are flipped after being rotated.
//
// # Quality
//
// The "q{qualityPercentage}" option can be used to specify the quality of the
// output file (JPEG only).  If not specified, the default value of "95" is
// used.
//
// # Format
//
// The "jpeg", "png", "gif", "tiff", and "bmp" options can be used to specify
// the desired image format of the transformed image.  If not specified, the
// original image format will be preserved, except that tiff and webp images
// are converted to jpeg.
//
// # Crop
//
// The "cx{x}", "cy{y}", "cw{width}" and "ch{height}" options crop the image
// before it is resized.  Negative cx and cy values are measured from the
// right and bottom edges.  The "sc" option chooses the crop rectangle from
// the image content.  The "trim" option removes a solid border.
//
// # Examples
//
//	0x0       - no resizing
//	200x      - 200 pixels wide, proportional height
//	x0.15     - 15% original height, proportional width
//	100x150   - 100 by 150 pixels, cropping as needed
//	100       - 100 pixels square, cropping as needed
//	150,fit   - scale to fit 150 pixels square, no cropping
//	100,r90   - 100 pixels square, rotated 90 degrees
//	100,fv,fh - 100 pixels square, flipped horizontal and vertical
//	200x,q60  - 200 pixels wide, proportional height, 60% quality
//	200x,png  - 200 pixels wide, converted to PNG format
//	cw100,ch100 - crop image to 100px square, starting at (0,0)
//	cx10,cy20,cw100,ch200 - crop image starting at (10,20) is 100px wide and 200px tall
func ParseOptions(str string) Options {
	var options Options

	for _, opt := range strings.Split(str, optionsSeparator) {
		switch {
		case len(opt) == 0: // do nothing
		case opt == optFit:
			options.Fit = true
		case opt == optFlipVertical:
			options.FlipVertical = true
		case opt == optFlipHorizontal:
			options.FlipHorizontal = true
		case opt == optScaleUp: // this option needs to come before optSizeDelimiter
			options.ScaleUp = true
		case opt == optFormatJPEG, opt == optFormatPNG, opt == optFormatGIF, opt == optFormatTIFF, opt == optFormatBMP:
			options.Format = opt
		case opt == optSmartCrop:
			options.SmartCrop = true
		case opt == optTrim:
			options.TrimBorder = true
		case strings.HasPrefix(opt, optRotatePrefix):
			value := strings.TrimPrefix(opt, optRotatePrefix)
			options.Rotate, _ = strconv.Atoi(value)
		case strings.HasPrefix(opt, optQualityPrefix):
			value := strings.TrimPrefix(opt, optQualityPrefix)
			options.Quality, _ = strconv.Atoi(value)
		case strings.HasPrefix(opt, optCropX):
			value := strings.TrimPrefix(opt, optCropX)
			options.CropX, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropY):
			value := strings.TrimPrefix(opt, optCropY)
			options.CropY, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropWidth):
			value := strings.TrimPrefix(opt, optCropWidth)
			options.CropWidth, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropHeight):
			value := strings.TrimPrefix(opt, optCropHeight)
			options.CropHeight, _ = strconv.ParseFloat(value, 64)
		case strings.Contains(opt, optSizeDelimiter):
			size := strings.SplitN(opt, optSizeDelimiter, 2)
			if w := size[0]; w != "" {
				options.Width, _ = strconv.ParseFloat(w, 64)
			}
			if h := size[1]; h != "" {
				options.Height, _ = strconv.ParseFloat(h, 64)
			}
		default:
			if size, err := strconv.ParseFloat(opt, 64); err == nil {
				options.Width = size
				options.Height = size
			}
		}
	}

	return options
}

// Request is a request for an image.  The pipeline never modifies a
// Request.
type Request struct {
	URL     *url.URL // URL of the image
	Options Options  // Image transformation to perform

	// Priority orders the request against other pending requests.  The
	// zero value selects the pipeline's default priority.
	Priority scheduler.Priority

	// Progressive requests partial images while the image is loading.
	Progressive bool

	// Timeout, if positive, fails the request with a timeout error if it
	// has not completed in time.
	Timeout time.Duration
}

// String returns the request URL as a string, with r.Options encoded in the
// URL fragment.
func (r Request) String() string {
	u := *r.URL
	u.Fragment = r.Options.String()
	return u.String()
}

// Identifier returns the canonical cache key for the image r produces: the
// normalized URL plus the transformation options, if any.
func (r Request) Identifier() string {
	return identifier(r.URL, r.Options)
}

// SourceIdentifier returns the cache key of the untransformed image at r.URL.
func (r Request) SourceIdentifier() string {
	return identifier(r.URL, Options{})
}

func identifier(u *url.URL, opt Options) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	id := c.String()
	if opt.transform() {
		id += identifierFragment + opt.String()
	}
	return id
}

// supportedSchemes lists the URL schemes accepted in requests.
var supportedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"s3":    true,
	"gs":    true,
	"file":  true,
}

// NewRequest parses an http.Request into an image request.  The request
// path takes the form "/{options}/{remote_url}".  The remote URL may be
// URL-escaped one or more times, and if it is relative it is resolved
// against baseURL.
func NewRequest(r *http.Request, baseURL *url.URL) (*Request, error) {
	req := new(Request)

	path := r.URL.EscapedPath()[1:] // strip leading slash

	// first segment should be options
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return nil, URLError{"too few path segments", r.URL}
	}

	var err error
	var escaped bool
	req.URL, escaped, err = parseURL(parts[1])
	if err != nil {
		return nil, URLError{fmt.Sprintf("unable to parse remote URL: %v", err), r.URL}
	}

	req.Options = ParseOptions(parts[0])

	if baseURL != nil {
		req.URL = baseURL.ResolveReference(req.URL)
	}

	if !req.URL.IsAbs() {
		return nil, URLError{"must provide absolute remote URL", r.URL}
	}

	if !supportedSchemes[strings.ToLower(req.URL.Scheme)] {
		return nil, URLError{fmt.Sprintf("unsupported remote URL scheme %q", req.URL.Scheme), r.URL}
	}

	if !escaped {
		// the query string of an unescaped remote URL is split off into the
		// request query
		req.URL.RawQuery = r.URL.RawQuery
	}
	return req, nil
}

var (
	reEscapedScheme = regexp.MustCompile(`^(https?|s3|gs|file)%`)
	reCleanedURL    = regexp.MustCompile(`^(https?|s3|gs):/+([^/])`)
)

// parseURL parses s as a remote URL, removing any levels of URL escaping.
// It reports whether s was escaped.
func parseURL(s string) (u *url.URL, escaped bool, err error) {
	for reEscapedScheme.MatchString(s) {
		s, err = url.PathUnescape(s)
		if err != nil {
			return nil, false, err
		}
		escaped = true
	}

	// intermediate proxies may have collapsed the double slash
	s = reCleanedURL.ReplaceAllString(s, "$1://$2")

	u, err = url.Parse(s)
	return u, escaped, err
}
