// Package imageio turns uploaded files into decoded bitmaps the extractors can
// work with.
package imageio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"math"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"  // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

const (
	// MaxUploadSize caps a single image upload.
	MaxUploadSize = 10 << 20
	// JPEGQuality matches the quality used when converting HEIC uploads.
	JPEGQuality = 92
)

// Image is a decoded bitmap kept in memory for one session slot.
type Image struct {
	Name   string
	Width  int
	Height int
	Bitmap image.Image
}

// DecodeError reports a file that could not be turned into a usable image.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not read the image file %q: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HEICConverter turns HEIC/HEIF bytes into JPEG bytes.
type HEICConverter interface {
	ToJPEG(ctx context.Context, data []byte) ([]byte, error)
}

// Decode reads an uploaded file. HEIC/HEIF inputs go through conv first when
// one is configured. If conversion is unavailable or fails, the original bytes
// are decoded anyway and the decode error describes the failure.
func Decode(ctx context.Context, name, contentType string, data []byte, conv HEICConverter) (*Image, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Name: name, Err: errors.New("file is empty")}
	}
	if len(data) > MaxUploadSize {
		return nil, &DecodeError{Name: name, Err: fmt.Errorf("file exceeds %d bytes", MaxUploadSize)}
	}

	var convErr error
	if IsHEIC(name, contentType) && conv != nil {
		jpg, err := conv.ToJPEG(ctx, data)
		if err == nil {
			data = jpg
		} else {
			convErr = err
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if convErr != nil {
			err = fmt.Errorf("heic conversion failed (%v), decode failed: %w", convErr, err)
		}
		return nil, &DecodeError{Name: name, Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeError{Name: name, Err: errors.New("image has no pixels")}
	}
	return &Image{Name: name, Width: b.Dx(), Height: b.Dy(), Bitmap: img}, nil
}

// IsHEIC reports whether the content type or file extension names HEIC/HEIF.
func IsHEIC(name, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "image/heic" || ct == "image/heif" {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".heic" || ext == ".heif"
}

// FitWithin scales w x h so the longer side is at most max, never enlarging.
func FitWithin(w, h, max int) (int, int, float64) {
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= 0 {
		return 0, 0, 0
	}
	ratio := math.Min(1, float64(max)/float64(longest))
	return int(math.Round(float64(w) * ratio)), int(math.Round(float64(h) * ratio)), ratio
}

// Resize returns a copy whose longer side equals side, enlarging or shrinking
// as needed, and the scale factor applied.
func (img *Image) Resize(side int) (*Image, float64) {
	longest := img.Width
	if img.Height > longest {
		longest = img.Height
	}
	if side <= 0 || longest == side {
		return img, 1
	}
	scale := float64(side) / float64(longest)
	return img.scaled(scale), scale
}

// Thumbnail returns a copy that fits within max x max, never enlarging.
func (img *Image) Thumbnail(max int) (*Image, float64) {
	_, _, ratio := FitWithin(img.Width, img.Height, max)
	if ratio >= 1 {
		return img, 1
	}
	return img.scaled(ratio), ratio
}

func (img *Image) scaled(scale float64) *Image {
	w := int(math.Max(1, math.Round(float64(img.Width)*scale)))
	h := int(math.Max(1, math.Round(float64(img.Height)*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img.Bitmap, img.Bitmap.Bounds(), draw.Src, nil)
	return &Image{Name: img.Name, Width: w, Height: h, Bitmap: dst}
}

// JPEG encodes the bitmap as JPEG.
func (img *Image) JPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.Bitmap, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
