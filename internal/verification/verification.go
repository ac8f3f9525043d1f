// Package verification compares two face descriptors and decides whether they
// belong to the same person.
package verification

import (
	"errors"
	"fmt"
	"math"
)

const (
	// SimilarityScale is the distance at which similarity reaches zero. It is
	// calibrated against the extractor's descriptor distribution and must not
	// be re-derived: changing it silently changes match outcomes.
	SimilarityScale = 1.6
	// DefaultThreshold is the similarity cutoff used when the caller does not
	// pick one.
	DefaultThreshold = 0.6
)

var (
	// ErrDimensionMismatch means two descriptors of different lengths reached
	// the engine, which points at inconsistent model weights.
	ErrDimensionMismatch = errors.New("descriptor dimension mismatch")
	// ErrInvalidThreshold is returned by ValidateThreshold.
	ErrInvalidThreshold = errors.New("threshold must be between 0 and 1")
)

// Outcome is the result of comparing two descriptors.
type Outcome struct {
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Matched    bool    `json:"matched"`
}

// Distance returns the Euclidean distance between a and b. The vectors are
// compared as-is, without normalization.
func Distance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// Similarity maps a distance onto [0,1]: 0 -> 1, SimilarityScale and beyond -> 0.
func Similarity(distance float64) float64 {
	return math.Max(0, (SimilarityScale-distance)/SimilarityScale)
}

// Verify compares two descriptors against threshold. A similarity equal to
// the threshold is not a match.
func Verify(a, b []float64, threshold float64) (Outcome, error) {
	dist, err := Distance(a, b)
	if err != nil {
		return Outcome{}, err
	}
	sim := Similarity(dist)
	return Outcome{
		Distance:   dist,
		Similarity: sim,
		Threshold:  threshold,
		Matched:    sim > threshold,
	}, nil
}

// ValidateThreshold reports whether t is usable as a user supplied threshold.
func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("%w, got %v", ErrInvalidThreshold, t)
	}
	return nil
}

// Status is the display style of an outcome: "success" or "danger".
func (o Outcome) Status() string {
	if o.Matched {
		return "success"
	}
	return "danger"
}

// Verdict is the human readable decision.
func (o Outcome) Verdict() string {
	if o.Matched {
		return "Face Matched"
	}
	return "Face Not Matched"
}

// Summary renders the outcome the way the result panel shows it.
func (o Outcome) Summary() string {
	return fmt.Sprintf("Distance: %.4f, Similarity: %.3f, %s (threshold %.3f)",
		o.Distance, o.Similarity, o.Verdict(), o.Threshold)
}
