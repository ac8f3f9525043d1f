// Package dlib runs face detection and descriptor extraction in-process with
// dlib through go-face.
package dlib

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/models"
)

// Extractor wraps a go-face recognizer. The fast detector is dlib's HOG
// frontal face detector, the secondary one its CNN (MMOD) detector.
type Extractor struct {
	// dlib's recognizer is not safe for concurrent use.
	mu  sync.Mutex
	rec *face.Recognizer
}

var _ models.Backend = (*Extractor)(nil)

var errClosed = errors.New("dlib recognizer is closed")

// New loads the weights from dir.
func New(dir string) (*Extractor, error) {
	rec, err := face.NewRecognizer(dir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", dir, err)
	}
	return &Extractor{rec: rec}, nil
}

// Loader adapts New to models.Loader.
func Loader(ctx context.Context, dir string) (models.Backend, error) {
	return New(dir)
}

// Extract implements detection.Extractor. go-face only reads JPEG, so the
// bitmap is re-encoded; for the fast detector it is first resized so its
// longest side equals the strategy's input size.
func (e *Extractor) Extract(ctx context.Context, img *imageio.Image, s detection.Strategy) (*detection.Detection, error) {
	input, scale := img, 1.0
	if s.Detector == detection.DetectorFast && s.InputSize > 0 {
		input, scale = img.Resize(s.InputSize)
	}
	data, err := input.JPEG(imageio.JPEGQuality)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.rec == nil {
		e.mu.Unlock()
		return nil, errClosed
	}
	var faces []face.Face
	switch s.Detector {
	case detection.DetectorSecondary:
		faces, err = e.rec.RecognizeCNN(data)
	default:
		faces, err = e.rec.Recognize(data)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib %s detector: %w", s.Detector, err)
	}
	if len(faces) == 0 {
		return nil, detection.ErrNoFace
	}

	best := largest(faces)
	r := best.Rectangle
	desc := make([]float64, len(best.Descriptor))
	for i, v := range best.Descriptor {
		desc[i] = float64(v)
	}
	return &detection.Detection{
		// dlib does not expose detector scores through go-face.
		Confidence: 1,
		Box: detection.Box{
			X:      float64(r.Min.X) / scale,
			Y:      float64(r.Min.Y) / scale,
			Width:  float64(r.Dx()) / scale,
			Height: float64(r.Dy()) / scale,
		},
		Descriptor: desc,
	}, nil
}

// Close frees the native recognizer.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return nil
}

func largest(faces []face.Face) face.Face {
	best := faces[0]
	bestArea := best.Rectangle.Dx() * best.Rectangle.Dy()
	for _, f := range faces[1:] {
		if area := f.Rectangle.Dx() * f.Rectangle.Dy(); area > bestArea {
			best, bestArea = f, area
		}
	}
	return best
}
