// Package detection defines the face extractor contract and the two-detector
// fallback policy run for each image.
package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/facematch/internal/imageio"
)

// ErrNoFace is returned by an Extractor when the image holds no usable face.
var ErrNoFace = errors.New("no face detected")

// Box is a face bounding box in source image pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is the single best face found in an image.
type Detection struct {
	Confidence float64   `json:"confidence"`
	Box        Box       `json:"box"`
	Descriptor []float64 `json:"-"`
	// Strategy names the detector that produced the result.
	Strategy string `json:"strategy"`
}

// Extractor is the opaque face model: image in, at most one detection out.
// Implementations return ErrNoFace when nothing is found; any other error is
// treated as a failure of that detector.
type Extractor interface {
	Extract(ctx context.Context, img *imageio.Image, s Strategy) (*Detection, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, img *imageio.Image, s Strategy) (*Detection, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, img *imageio.Image, s Strategy) (*Detection, error) {
	return f(ctx, img, s)
}

// Slot identifies which of the two session images is meant.
type Slot string

const (
	SlotAadhaar Slot = "aadhaar"
	SlotSelfie  Slot = "selfie"
)

// Slots lists the slots in reporting order.
var Slots = []Slot{SlotAadhaar, SlotSelfie}

// ParseSlot validates a slot name.
func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotAadhaar, SlotSelfie:
		return Slot(s), nil
	}
	return "", fmt.Errorf("unknown image slot %q", s)
}

// Label is the capitalised slot name used in user facing messages.
func (s Slot) Label() string {
	switch s {
	case SlotAadhaar:
		return "Aadhaar"
	case SlotSelfie:
		return "Selfie"
	}
	return string(s)
}

// NoFaceError names the image in which neither detector found a face.
type NoFaceError struct {
	Slot Slot
}

func (e *NoFaceError) Error() string {
	return fmt.Sprintf("no face detected in %s image", e.Slot.Label())
}

// Is lets errors.Is(err, ErrNoFace) match.
func (e *NoFaceError) Is(target error) bool {
	return target == ErrNoFace
}
