// Package postprocess implements the deterministic image operations run
// after generation: enhancement, trim, format conversion and storage.
// Nothing here talks to a remote service, so re-running an operation with
// the same settings on the same source yields the same output.
package postprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/disintegration/imaging"
)

// Format is an output encoding.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"

	defaultJPEGQuality = 90
)

var (
	ErrEmptySource       = errors.New("source image is empty")
	ErrFullyTransparent  = errors.New("image has no opaque pixels to trim to")
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrInvalidAdjustment = errors.New("enhancement value out of range")
)

// Artifact is an image moving through the post-processing steps.
type Artifact struct {
	Image   image.Image
	Format  Format
	Quality int
}

// Decode parses raw provider bytes. The output format defaults to PNG so
// transparency survives until an explicit conversion.
func Decode(data []byte) (*Artifact, error) {
	if len(data) == 0 {
		return nil, ErrEmptySource
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	return &Artifact{Image: img, Format: PNG}, nil
}

// Encode serializes the artifact in its current format.
func (a *Artifact) Encode() ([]byte, error) {
	var buf bytes.Buffer

	switch a.Format {
	case JPEG:
		quality := a.Quality
		if quality == 0 {
			quality = defaultJPEGQuality
		}
		if err := imaging.Encode(&buf, a.Image, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case PNG, "":
		if err := imaging.Encode(&buf, a.Image, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, a.Format)
	}

	return buf.Bytes(), nil
}

// Ext returns the file extension for the artifact's format.
func (a *Artifact) Ext() string {
	if a.Format == JPEG {
		return ".jpg"
	}
	return ".png"
}

func (a *Artifact) with(img image.Image) *Artifact {
	out := *a
	out.Image = img
	return &out
}

// Enhance applies brightness, contrast and saturation (percentages in
// [-100, 100]) and an optional sharpen sigma.
func Enhance(a *Artifact, cfg config.Enhancement) (*Artifact, error) {
	for name, v := range map[string]float64{
		"brightness": cfg.Brightness,
		"contrast":   cfg.Contrast,
		"saturation": cfg.Saturation,
	} {
		if v < -100 || v > 100 {
			return nil, fmt.Errorf("%w: %s=%v", ErrInvalidAdjustment, name, v)
		}
	}
	if cfg.Sharpen < 0 {
		return nil, fmt.Errorf("%w: sharpen=%v", ErrInvalidAdjustment, cfg.Sharpen)
	}

	img := a.Image
	if cfg.Brightness != 0 {
		img = imaging.AdjustBrightness(img, cfg.Brightness)
	}
	if cfg.Contrast != 0 {
		img = imaging.AdjustContrast(img, cfg.Contrast)
	}
	if cfg.Saturation != 0 {
		img = imaging.AdjustSaturation(img, cfg.Saturation)
	}
	if cfg.Sharpen > 0 {
		img = imaging.Sharpen(img, cfg.Sharpen)
	}

	return a.with(img), nil
}

// Trim crops the image to the bounding box of its non-transparent pixels.
func Trim(a *Artifact) (*Artifact, error) {
	src := imaging.Clone(a.Image)
	bounds := src.Bounds()

	minX, minY := bounds.Max.X, bounds.Max.Y
	maxX, maxY := bounds.Min.X-1, bounds.Min.Y-1

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := src.Pix[(y-bounds.Min.Y)*src.Stride:]
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if row[(x-bounds.Min.X)*4+3] == 0 {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < minX || maxY < minY {
		return nil, ErrFullyTransparent
	}

	rect := image.Rect(minX, minY, maxX+1, maxY+1)
	if rect == bounds {
		return a.with(src), nil
	}
	return a.with(imaging.Crop(src, rect)), nil
}

// ParseFormat normalizes a configured format name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "png":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Convert switches the output format. JPEG has no alpha channel, so the
// image is flattened onto white first.
func Convert(a *Artifact, cfg config.Convert) (*Artifact, error) {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	quality := cfg.Quality
	switch {
	case quality == 0:
		quality = defaultJPEGQuality
	case quality < 1 || quality > 100:
		return nil, fmt.Errorf("%w: quality %d", ErrUnsupportedFormat, quality)
	}

	out := a.with(a.Image)
	out.Format = format
	out.Quality = quality

	if format == JPEG {
		b := a.Image.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), color.White)
		out.Image = imaging.Overlay(bg, a.Image, image.Pt(0, 0), 1.0)
	}

	return out, nil
}
